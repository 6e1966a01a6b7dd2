package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Outcome int

const (
	OutcomeNew Outcome = iota
	OutcomeInProgress
	OutcomeCompleted
)

var (
	// ErrStoreUnavailable means the guard cannot answer. Callers must fail
	// closed: a rejected request is recoverable, a duplicate charge is not.
	ErrStoreUnavailable = errors.New("idempotency store unavailable")

	// ErrPayloadMismatch means the same key arrived with a different request
	// body. Replaying the original cached result would hand the caller an
	// answer for a different request, so this is rejected instead.
	ErrPayloadMismatch = errors.New("idempotency key reused with a different payload")
)

const (
	recordStateInProgress = "IN_PROGRESS"
	recordStateCompleted  = "COMPLETED"
)

type record struct {
	State       string          `json:"state"`
	PayloadHash string          `json:"payload_hash"`
	Response    json.RawMessage `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Store is the subset of the go-redis client the guard needs.
type Store interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Guard deduplicates requests by client-supplied idempotency key. The
// in-flight marker has a short TTL so a crashed worker does not block the
// key forever; completed responses are cached for completedTTL (24h).
type Guard struct {
	store        Store
	inflightTTL  time.Duration
	completedTTL time.Duration
	logger       *zap.Logger
}

func NewGuard(store Store, inflightTTL, completedTTL time.Duration, logger *zap.Logger) *Guard {
	return &Guard{
		store:        store,
		inflightTTL:  inflightTTL,
		completedTTL: completedTTL,
		logger:       logger,
	}
}

func storageKey(key string) string {
	return "idem:" + key
}

// HashPayload produces the payload fingerprint stored alongside the key so
// that key reuse with a different body is detectable.
func HashPayload(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Begin claims the key. OutcomeNew means the caller owns the key and must
// finish with Complete or Abort. OutcomeCompleted returns the cached
// response verbatim. OutcomeInProgress means another request holds the key.
func (g *Guard) Begin(ctx context.Context, key, payloadHash string) (Outcome, []byte, error) {
	rec := record{
		State:       recordStateInProgress,
		PayloadHash: payloadHash,
		CreatedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return OutcomeNew, nil, fmt.Errorf("failed to marshal idempotency record: %w", err)
	}

	acquired, err := g.store.SetNX(ctx, storageKey(key), data, g.inflightTTL).Result()
	if err != nil {
		g.logger.Error("Idempotency store SETNX failed, failing closed", zap.String("key", key), zap.Error(err))
		return OutcomeNew, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if acquired {
		return OutcomeNew, nil, nil
	}

	raw, err := g.store.Get(ctx, storageKey(key)).Result()
	if err != nil {
		if err == redis.Nil {
			// Marker expired between SETNX and GET; treat as in progress and
			// let the client retry.
			return OutcomeInProgress, nil, nil
		}
		g.logger.Error("Idempotency store GET failed, failing closed", zap.String("key", key), zap.Error(err))
		return OutcomeNew, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var existing record
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		g.logger.Error("Corrupt idempotency record", zap.String("key", key), zap.Error(err))
		return OutcomeNew, nil, fmt.Errorf("corrupt idempotency record for key %s: %w", key, err)
	}

	if existing.PayloadHash != "" && payloadHash != "" && existing.PayloadHash != payloadHash {
		g.logger.Warn("Idempotency key reused with different payload",
			zap.String("key", key))
		return OutcomeInProgress, nil, ErrPayloadMismatch
	}

	if existing.State == recordStateCompleted {
		return OutcomeCompleted, existing.Response, nil
	}
	return OutcomeInProgress, nil, nil
}

// Complete caches the terminal response under the key.
func (g *Guard) Complete(ctx context.Context, key, payloadHash string, response []byte) error {
	rec := record{
		State:       recordStateCompleted,
		PayloadHash: payloadHash,
		Response:    response,
		CreatedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency record: %w", err)
	}
	if err := g.store.Set(ctx, storageKey(key), data, g.completedTTL).Err(); err != nil {
		g.logger.Error("Failed to cache idempotency response", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Abort clears the in-flight marker so a later retry can claim the key,
// used when the request never reached the gateway (e.g. open breaker).
func (g *Guard) Abort(ctx context.Context, key string) error {
	if err := g.store.Del(ctx, storageKey(key)).Err(); err != nil {
		g.logger.Error("Failed to clear idempotency marker", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
