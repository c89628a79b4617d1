package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"authcore/internal/bucketing"
	"authcore/internal/client"
	"authcore/internal/config"
	"authcore/internal/model"
	"authcore/internal/util"
)

const flushTimeout = 30 * time.Second

// Logger is the append-only audit trail. Security-critical events are
// written to ClickHouse before Record returns; everything else goes through
// a buffered queue that a background worker flushes in batches, fanning out
// to Kafka and Elasticsearch alongside the ClickHouse insert.
type Logger struct {
	store   model.AuditStore
	kafka   *client.KafkaProducer
	es      *client.ESClient
	buckets *bucketing.Manager
	cfg     config.AuditConfig
	esIndex string

	queue chan *model.AuditEvent
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewLogger starts the flush worker and the retention archiver. Kafka and
// Elasticsearch are optional; pass nil to disable either sink.
func NewLogger(store model.AuditStore, kafka *client.KafkaProducer, es *client.ESClient, buckets *bucketing.Manager, cfg config.AuditConfig, esIndex string) *Logger {
	l := &Logger{
		store:   store,
		kafka:   kafka,
		es:      es,
		buckets: buckets,
		cfg:     cfg,
		esIndex: esIndex,
		queue:   make(chan *model.AuditEvent, cfg.QueueSize),
		done:    make(chan struct{}),
	}

	l.wg.Add(2)
	go l.flushLoop()
	go l.archiveLoop()

	return l
}

// Record persists one event. For security-critical event types the durable
// insert happens before returning and its error propagates: the triggering
// operation must not succeed unaudited.
func (l *Logger) Record(ctx context.Context, event *model.AuditEvent) error {
	l.fill(event)

	if event.SecurityCritical() {
		if err := l.store.Insert(ctx, event); err != nil {
			return err
		}
		// Stream sinks are best-effort once the insert landed.
		l.fanout(ctx, []*model.AuditEvent{event})
		return nil
	}

	select {
	case l.queue <- event:
		return nil
	default:
		// Queue saturated: degrade to a synchronous insert rather than
		// dropping the event.
		util.Warn("Audit queue full, inserting synchronously",
			zap.String("event_type", event.EventType))
		return l.store.Insert(ctx, event)
	}
}

func (l *Logger) fill(event *model.AuditEvent) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.EventBucket == 0 {
		id := event.PhoneHash
		if id == "" {
			id = event.EventID
		}
		event.EventBucket = l.buckets.EventBucket(id)
	}
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*model.AuditEvent, 0, l.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.flush(batch)
		batch = make([]*model.AuditEvent, 0, l.cfg.BatchSize)
	}

	for {
		select {
		case event := <-l.queue:
			batch = append(batch, event)
			if len(batch) >= l.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case event := <-l.queue:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch to ClickHouse and fans it out to the stream sinks.
func (l *Logger) flush(events []*model.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := l.store.InsertBatch(ctx, events); err != nil {
		util.Error("Failed to flush audit batch",
			zap.Int("batch_size", len(events)),
			zap.Error(err))
		return
	}
	l.fanout(ctx, events)
}

// fanout streams events to Kafka and Elasticsearch concurrently. Failures
// are logged, never propagated; ClickHouse is the system of record.
func (l *Logger) fanout(ctx context.Context, events []*model.AuditEvent) {
	if l.kafka == nil && l.es == nil {
		return
	}

	g, ctx := errgroup.WithContext(ctx)

	if l.kafka != nil {
		g.Go(func() error {
			for _, event := range events {
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				if err := l.kafka.Publish(ctx, []byte(event.PhoneHash), payload); err != nil {
					util.Warn("Failed to publish audit event to Kafka",
						zap.String("event_id", event.EventID),
						zap.Error(err))
				}
			}
			return nil
		})
	}

	if l.es != nil {
		g.Go(func() error {
			for _, event := range events {
				if err := l.es.IndexDocument(ctx, l.esIndex, event.EventID, event); err != nil {
					util.Warn("Failed to index audit event",
						zap.String("event_id", event.EventID),
						zap.Error(err))
				}
			}
			return nil
		})
	}

	_ = g.Wait()
}

func (l *Logger) archiveLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.ArchiveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.CleanupTimeout)
			if err := l.store.ArchiveOlderThan(ctx, cutoff); err != nil {
				util.Error("Audit archival run failed", zap.Error(err))
			}
			cancel()
		case <-l.done:
			return
		}
	}
}

// Close stops the background loops after a final drain.
func (l *Logger) Close() {
	close(l.done)
	l.wg.Wait()
}
