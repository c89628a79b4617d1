package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"authcore/internal/config"
	"authcore/internal/util"
)

// statements is the CQL the repositories execute. They are held as plain
// strings and every call builds its own gocql.Query: binding mutates a
// query in place, so sharing one bound instance across goroutines would
// let concurrent requests overwrite each other's arguments. gocql prepares
// and caches each statement per node on first execution.
type statements struct {
	CreateCode     string
	GetCodeByPhone string
	UpdateAttempts string
	LockCode       string
	MarkCodeUsed   string
	DeleteCode     string

	CreateToken       string
	IndexTokenHash    string
	IndexTokenFamily  string
	GetTokenIDByHash  string
	GetTokenByID      string
	MarkTokenRotated  string
	GetFamilyTokenIDs string
	RevokeToken       string

	AddBlacklist string
	GetBlacklist string
}

func newStatements() *statements {
	return &statements{
		// One row per phone hash. The TTL on insert enforces expiry even
		// when the service never reads the code again.
		CreateCode: `
        INSERT INTO verification_codes (
            phone_hash, code_id, code_ciphertext, nonce, key_id,
            attempts, max_attempts, created_at, expires_at, is_used, is_locked
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`,

		GetCodeByPhone: `
        SELECT phone_hash, code_id, code_ciphertext, nonce, key_id,
            attempts, max_attempts, created_at, expires_at, is_used, is_locked
        FROM verification_codes WHERE phone_hash = ?`,

		UpdateAttempts: `
        UPDATE verification_codes SET attempts = ? WHERE phone_hash = ?`,

		LockCode: `
        UPDATE verification_codes SET is_locked = true WHERE phone_hash = ?`,

		MarkCodeUsed: `
        UPDATE verification_codes SET is_used = true WHERE phone_hash = ?`,

		DeleteCode: `
        DELETE FROM verification_codes WHERE phone_hash = ?`,

		CreateToken: `
        INSERT INTO refresh_tokens (
            token_id, user_id, token_hash, token_family, previous_token_id,
            rotated_to_token_id, device_fingerprint, status, rotation_count,
            created_at, expires_at, last_used_at, revoked_at, revoke_reason
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,

		IndexTokenHash: `
        INSERT INTO tokens_by_hash (token_hash, token_id) VALUES (?, ?)`,

		IndexTokenFamily: `
        INSERT INTO tokens_by_family (token_family, token_id) VALUES (?, ?)`,

		GetTokenIDByHash: `
        SELECT token_id FROM tokens_by_hash WHERE token_hash = ?`,

		GetTokenByID: `
        SELECT token_id, user_id, token_hash, token_family, previous_token_id,
            rotated_to_token_id, device_fingerprint, status, rotation_count,
            created_at, expires_at, last_used_at, revoked_at, revoke_reason
        FROM refresh_tokens WHERE token_id = ?`,

		// Lightweight transaction. Exactly one concurrent rotation wins;
		// the loser sees applied=false and must treat the token as reused.
		MarkTokenRotated: `
        UPDATE refresh_tokens
        SET status = 'rotated', rotated_to_token_id = ?, last_used_at = ?
        WHERE token_id = ? IF status = 'active'`,

		GetFamilyTokenIDs: `
        SELECT token_id FROM tokens_by_family WHERE token_family = ?`,

		RevokeToken: `
        UPDATE refresh_tokens
        SET status = 'revoked', revoked_at = ?, revoke_reason = ?
        WHERE token_id = ?`,

		AddBlacklist: `
        INSERT INTO token_blacklist (jti, token_type, user_id, blacklisted_at, expires_at, reason)
        VALUES (?, ?, ?, ?, ?, ?) USING TTL ?`,

		GetBlacklist: `
        SELECT jti FROM token_blacklist WHERE jti = ?`,
	}
}

type ScyllaClient struct {
	Session *gocql.Session
	config  *config.ScyllaConfig
	stmts   *statements
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
		stmts:   newStatements(),
	}, nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

// Query builds a fresh context-bound query for one call. Never hold the
// result across requests.
func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if err == gocql.ErrNotFound {
				return err
			}
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
