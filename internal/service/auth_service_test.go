package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authcore/internal/audit"
	"authcore/internal/autherr"
	"authcore/internal/bucketing"
	"authcore/internal/config"
	"authcore/internal/encryption"
	"authcore/internal/hashing"
	"authcore/internal/keystore"
	"authcore/internal/model"
	"authcore/internal/otp"
	"authcore/internal/ratelimit"
	"authcore/internal/sms"
	"authcore/internal/token"
)

// ---------- in-memory stores ----------

type memCodes struct {
	mu    sync.Mutex
	codes map[string]*model.VerificationCode
}

func newMemCodes() *memCodes {
	return &memCodes{codes: make(map[string]*model.VerificationCode)}
}

func (s *memCodes) CreateCode(_ context.Context, code *model.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *code
	s.codes[code.PhoneHash] = &clone
	return nil
}

func (s *memCodes) GetActiveCode(_ context.Context, phoneHash string) (*model.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.codes[phoneHash]
	if !ok || stored.IsUsed {
		return nil, autherr.ErrNoActiveCode
	}
	clone := *stored
	return &clone, nil
}

func (s *memCodes) IncrementAttempts(_ context.Context, code *model.VerificationCode) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.codes[code.PhoneHash]
	stored.Attempts++
	code.Attempts = stored.Attempts
	return stored.Attempts, nil
}

func (s *memCodes) LockCode(_ context.Context, code *model.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.PhoneHash].IsLocked = true
	code.IsLocked = true
	return nil
}

func (s *memCodes) MarkCodeUsed(_ context.Context, code *model.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.PhoneHash].IsUsed = true
	code.IsUsed = true
	return nil
}

func (s *memCodes) InvalidateCodes(_ context.Context, phoneHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, phoneHash)
	return nil
}

func (s *memCodes) HealthCheck(context.Context) error { return nil }

type memLocks struct {
	mu    sync.Mutex
	locks map[string]bool
}

func newMemLocks() *memLocks {
	return &memLocks{locks: make(map[string]bool)}
}

func (l *memLocks) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks[key] {
		return false, nil
	}
	l.locks[key] = true
	return true, nil
}

func (l *memLocks) ReleaseLock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, key)
	return nil
}

type memTokens struct {
	mu     sync.Mutex
	byID   map[string]*model.RefreshToken
	byHash map[string]string
}

func newMemTokens() *memTokens {
	return &memTokens{
		byID:   make(map[string]*model.RefreshToken),
		byHash: make(map[string]string),
	}
}

func (s *memTokens) CreateToken(_ context.Context, t *model.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *t
	s.byID[t.TokenID] = &clone
	s.byHash[t.TokenHash] = t.TokenID
	return nil
}

func (s *memTokens) GetTokenByHash(_ context.Context, tokenHash string) (*model.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[tokenHash]
	if !ok {
		return nil, autherr.ErrTokenNotFound
	}
	clone := *s.byID[id]
	return &clone, nil
}

func (s *memTokens) MarkRotated(_ context.Context, tokenID, rotatedToID string, lastUsed time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byID[tokenID]
	if !ok {
		return false, autherr.ErrTokenNotFound
	}
	if stored.Status != model.TokenStatusActive {
		return false, nil
	}
	stored.Status = model.TokenStatusRotated
	stored.RotatedToTokenID = rotatedToID
	stored.LastUsedAt = &lastUsed
	return true, nil
}

func (s *memTokens) GetFamily(_ context.Context, family string) ([]*model.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.RefreshToken
	for _, t := range s.byID {
		if t.TokenFamily == family {
			clone := *t
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *memTokens) RevokeFamily(_ context.Context, family, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	revoked := 0
	for _, t := range s.byID {
		if t.TokenFamily != family || t.Status == model.TokenStatusRevoked {
			continue
		}
		t.Status = model.TokenStatusRevoked
		t.RevokedAt = &at
		t.RevokeReason = reason
		revoked++
	}
	return revoked, nil
}

func (s *memTokens) RevokeToken(_ context.Context, tokenID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byID[tokenID]; ok {
		t.Status = model.TokenStatusRevoked
		t.RevokedAt = &at
		t.RevokeReason = reason
	}
	return nil
}

func (s *memTokens) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, t := range s.byID {
		if t.ExpiresAt.Before(before) {
			delete(s.byHash, t.TokenHash)
			delete(s.byID, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memTokens) HealthCheck(context.Context) error { return nil }

type memBlacklist struct {
	mu      sync.Mutex
	entries map[string]bool
}

func newMemBlacklist() *memBlacklist {
	return &memBlacklist{entries: make(map[string]bool)}
}

func (b *memBlacklist) Add(_ context.Context, entry *model.BlacklistEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.JTI] = true
	return nil
}

func (b *memBlacklist) Contains(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries[jti], nil
}

type memCounters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newMemCounters() *memCounters {
	return &memCounters{counts: make(map[string]int64)}
}

func (c *memCounters) IncrementWindow(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], window, nil
}

func (c *memCounters) HealthCheck(context.Context) error { return nil }

type memAudit struct {
	mu     sync.Mutex
	events []*model.AuditEvent
}

func newMemAudit() *memAudit {
	return &memAudit{}
}

func (s *memAudit) Insert(_ context.Context, event *model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *event
	s.events = append(s.events, &clone)
	return nil
}

func (s *memAudit) InsertBatch(_ context.Context, events []*model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range events {
		clone := *event
		s.events = append(s.events, &clone)
	}
	return nil
}

func (s *memAudit) ArchiveOlderThan(context.Context, time.Time) error { return nil }

func (s *memAudit) HealthCheck(context.Context) error { return nil }

func (s *memAudit) typeCount(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, event := range s.events {
		if event.EventType == eventType {
			n++
		}
	}
	return n
}

func (s *memAudit) lastOfType(eventType string) *model.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].EventType == eventType {
			clone := *s.events[i]
			return &clone
		}
	}
	return nil
}

// smsSink accepts every message and remembers the last one per phone.
type smsSink struct {
	mu       sync.Mutex
	messages map[string]string
	fail     bool
}

func newSMSSink() *smsSink {
	return &smsSink{messages: make(map[string]string)}
}

func (p *smsSink) Name() string { return "twilio" }

func (p *smsSink) Send(_ context.Context, phone, message string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return "", &sms.SendError{Provider: "twilio", Retryable: false, Err: assert.AnError}
	}
	p.messages[phone] = message
	return "msg-1", nil
}

// lastCode pulls the verification code out of the delivered message.
func (p *smsSink) lastCode(t *testing.T, phone string) string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	message, ok := p.messages[phone]
	require.True(t, ok, "no SMS delivered to %s", phone)
	code := regexp.MustCompile(`\d{6}`).FindString(message)
	require.NotEmpty(t, code, "no code in message %q", message)
	return code
}

// ---------- harness ----------

type harness struct {
	svc       *AuthService
	sink      *smsSink
	auditLog  *audit.Logger
	audits    *memAudit
	tokenSvc  *token.Service
	blacklist *memBlacklist
	hasher    *hashing.Hasher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)

	cfg := &config.Config{
		Environment: "test",
		Keys: config.KeysConfig{
			ActiveKeyID: "v1",
			LookupKeyID: "v1",
			Material:    map[string]string{"v1": base64.StdEncoding.EncodeToString(raw)},
		},
		JWT: config.JWTConfig{
			Issuer:     "authcore-test",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 30 * 24 * time.Hour,
		},
		OTP: config.OTPConfig{
			Length:      6,
			TTL:         5 * time.Minute,
			MaxAttempts: 3,
			LockTTL:     10 * time.Second,
			// No resend window; throttling has its own coverage.
		},
		RateLimit: config.RateLimitConfig{
			PhonePerHour: 5,
			PhonePerDay:  10,
			IPPerHour:    10,
		},
		SMS: config.SMSConfig{
			Primary:          "twilio",
			SendTimeout:      time.Second,
			MaxRetries:       0,
			RetryBackoff:     time.Millisecond,
			BreakerThreshold: 100,
			BreakerCooldown:  time.Second,
		},
		Audit: config.AuditConfig{
			RetentionDays:  90,
			QueueSize:      64,
			BatchSize:      8,
			FlushInterval:  5 * time.Millisecond,
			ArchiveEvery:   time.Hour,
			CleanupTimeout: time.Second,
		},
		Bucketing: config.BucketingConfig{EventBuckets: 64},
	}

	keys, err := keystore.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	hasher, err := hashing.NewHasher(cfg, keys)
	require.NoError(t, err)
	signer, err := token.NewSigner(cfg)
	require.NoError(t, err)

	codeManager := otp.NewManager(newMemCodes(), newMemLocks(), encryption.NewCipher(keys), hasher, cfg.OTP)

	blacklist := newMemBlacklist()
	tokenSvc := token.NewService(newMemTokens(), newMemBlacklist(), blacklist, signer, hasher, cfg.JWT)

	sink := newSMSSink()
	dispatcher := sms.NewDispatcher(cfg.SMS, sink)

	limiter := ratelimit.NewLimiter(newMemCounters(), cfg.RateLimit)

	audits := newMemAudit()
	buckets := bucketing.NewManager(cfg)
	auditLog := audit.NewLogger(audits, nil, nil, buckets, cfg.Audit, "audit-events")
	t.Cleanup(auditLog.Close)

	return &harness{
		svc:       NewAuthService(codeManager, tokenSvc, dispatcher, limiter, auditLog, hasher),
		sink:      sink,
		auditLog:  auditLog,
		audits:    audits,
		tokenSvc:  tokenSvc,
		blacklist: blacklist,
		hasher:    hasher,
	}
}

const (
	testPhone = "+61412345678"
	testIP    = "203.0.113.7"
	testUA    = "authcore-test/1.0"
	testFP    = "device-fp-1"
)

func requestInput() RequestCodeInput {
	return RequestCodeInput{Phone: testPhone, IPAddress: testIP, UserAgent: testUA}
}

func verifyInput(code string) VerifyCodeInput {
	return VerifyCodeInput{
		Phone:             testPhone,
		Code:              code,
		IPAddress:         testIP,
		UserAgent:         testUA,
		DeviceFingerprint: testFP,
	}
}

// ---------- tests ----------

func TestRequestCodeDeliversSMS(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.svc.RequestCode(ctx, requestInput())
	require.NoError(t, err)
	assert.Equal(t, "twilio", result.Provider)

	code := h.sink.lastCode(t, testPhone)
	assert.Regexp(t, `^\d{6}$`, code)

	assert.Eventually(t, func() bool {
		return h.audits.typeCount(model.EventSendCodeSuccess) == 1
	}, time.Second, 5*time.Millisecond)

	event := h.audits.lastOfType(model.EventSendCodeSuccess)
	assert.NotContains(t, event.PhoneMasked, "1234", "audit trail must not leak the phone")
	assert.Equal(t, h.hasher.HashPhone(testPhone), event.PhoneHash)
	assert.Equal(t, "twilio", event.Metadata["provider"])
}

func TestRequestCodeRejectsInvalidPhone(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.RequestCode(context.Background(), RequestCodeInput{Phone: "garbage", IPAddress: testIP})
	assert.ErrorIs(t, err, autherr.ErrInvalidInput)
}

func TestRequestCodeRateLimitAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.svc.RequestCode(ctx, requestInput())
		require.NoError(t, err)
	}

	_, err := h.svc.RequestCode(ctx, requestInput())
	rl, ok := autherr.IsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, ratelimit.ScopePhoneSendHour, rl.Scope)

	// Security-critical, so it is durable before RequestCode returned.
	require.Equal(t, 1, h.audits.typeCount(model.EventRateLimited))
	event := h.audits.lastOfType(model.EventRateLimited)
	assert.Equal(t, ratelimit.ScopePhoneSendHour, event.Metadata["scope"])
	assert.False(t, event.Success)
}

func TestRequestCodeDeliveryFailureInvalidatesCode(t *testing.T) {
	h := newHarness(t)
	h.sink.fail = true
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, requestInput())
	assert.ErrorIs(t, err, autherr.ErrDeliveryFailed)

	// The undelivered code was dropped, so a stray guess cannot match it.
	_, err = h.svc.VerifyCode(ctx, verifyInput("000000"))
	assert.ErrorIs(t, err, autherr.ErrCodeExpired)

	assert.Eventually(t, func() bool {
		return h.audits.typeCount(model.EventSendCodeFailure) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestVerifyCodeMintsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, requestInput())
	require.NoError(t, err)
	code := h.sink.lastCode(t, testPhone)

	// One mistype first.
	_, err = h.svc.VerifyCode(ctx, verifyInput("000000"))
	cm, ok := autherr.IsCodeMismatch(err)
	require.True(t, ok)
	assert.Equal(t, 2, cm.RemainingAttempts)
	require.Equal(t, 1, h.audits.typeCount(model.EventVerifyFailure))

	result, err := h.svc.VerifyCode(ctx, verifyInput(code))
	require.NoError(t, err)
	assert.Equal(t, h.hasher.HashPhone(testPhone), result.UserID)
	require.NotNil(t, result.Tokens)

	claims, err := h.svc.VerifyAccess(ctx, result.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, result.UserID, claims.Subject)

	assert.Eventually(t, func() bool {
		return h.audits.typeCount(model.EventVerifySuccess) == 1 &&
			h.audits.typeCount(model.EventTokenIssued) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestVerifyCodeLockoutAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, requestInput())
	require.NoError(t, err)
	code := h.sink.lastCode(t, testPhone)

	for _, wrong := range []string{"000000", "111111"} {
		_, err = h.svc.VerifyCode(ctx, verifyInput(wrong))
		_, ok := autherr.IsCodeMismatch(err)
		require.True(t, ok)
	}

	_, err = h.svc.VerifyCode(ctx, verifyInput("222222"))
	assert.ErrorIs(t, err, autherr.ErrCodeLocked)
	require.Equal(t, 1, h.audits.typeCount(model.EventAccountLocked))

	// The correct code no longer helps.
	_, err = h.svc.VerifyCode(ctx, verifyInput(code))
	assert.ErrorIs(t, err, autherr.ErrCodeLocked)
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, requestInput())
	require.NoError(t, err)
	result, err := h.svc.VerifyCode(ctx, verifyInput(h.sink.lastCode(t, testPhone)))
	require.NoError(t, err)

	first := result.Tokens.RefreshToken
	refreshIn := RefreshInput{RefreshToken: first, DeviceFingerprint: testFP, IPAddress: testIP, UserAgent: testUA}

	next, err := h.svc.RefreshTokens(ctx, refreshIn)
	require.NoError(t, err)
	assert.NotEqual(t, first, next.RefreshToken)

	// Replaying the rotated token revokes the family; the caller only sees
	// a demand to reauthenticate.
	_, err = h.svc.RefreshTokens(ctx, refreshIn)
	assert.ErrorIs(t, err, autherr.ErrReauthenticate)
	require.Equal(t, 1, h.audits.typeCount(model.EventTokenReuse))

	// The freshly rotated token died with the family.
	_, err = h.svc.RefreshTokens(ctx, RefreshInput{RefreshToken: next.RefreshToken, DeviceFingerprint: testFP})
	assert.ErrorIs(t, err, autherr.ErrReauthenticate)
}

func TestRevokeSessionBlocksTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, requestInput())
	require.NoError(t, err)
	result, err := h.svc.VerifyCode(ctx, verifyInput(h.sink.lastCode(t, testPhone)))
	require.NoError(t, err)

	err = h.svc.RevokeSession(ctx, RevokeInput{
		RefreshToken: result.Tokens.RefreshToken,
		AccessJTI:    result.Tokens.AccessJTI,
		IPAddress:    testIP,
	})
	require.NoError(t, err)

	// The access token is blacklisted until natural expiry.
	_, err = h.svc.VerifyAccess(ctx, result.Tokens.AccessToken)
	assert.ErrorIs(t, err, autherr.ErrTokenExpired)

	// The refresh token is revoked with its family.
	_, err = h.svc.RefreshTokens(ctx, RefreshInput{RefreshToken: result.Tokens.RefreshToken, DeviceFingerprint: testFP})
	assert.ErrorIs(t, err, autherr.ErrReauthenticate)
}

func TestVerifyCodeIPRateLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, requestInput())
	require.NoError(t, err)

	// Mistypes lock the code partway through; either way each call
	// advances the IP window.
	for i := 0; i < 10; i++ {
		_, _ = h.svc.VerifyCode(ctx, verifyInput("000000"))
	}

	_, err = h.svc.VerifyCode(ctx, verifyInput("000000"))
	rl, ok := autherr.IsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, ratelimit.ScopeIPVerifyHour, rl.Scope)
	require.GreaterOrEqual(t, h.audits.typeCount(model.EventRateLimited), 1)
}

func TestIssueTokensForTrustedCaller(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair, err := h.svc.IssueTokens(ctx, "user-internal", testFP, testIP, testUA)
	require.NoError(t, err)

	claims, err := h.svc.VerifyAccess(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-internal", claims.Subject)

	_, err = h.svc.IssueTokens(ctx, "", testFP, testIP, testUA)
	assert.ErrorIs(t, err, autherr.ErrInvalidInput)
}

func TestRefreshRejectsEmptyToken(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.RefreshTokens(context.Background(), RefreshInput{})
	assert.ErrorIs(t, err, autherr.ErrInvalidInput)

	err = h.svc.RevokeSession(context.Background(), RevokeInput{})
	assert.ErrorIs(t, err, autherr.ErrInvalidInput)
}
