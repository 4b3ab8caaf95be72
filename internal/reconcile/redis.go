package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/paygate/internal/payment"
)

const (
	keyPrefix      = "paygate:payment:"
	refPrefix      = "paygate:reference:"
	maxTxRetries   = 16
	redisTimestamp = time.RFC3339Nano
)

// RedisStore keeps records in Redis hashes keyed paygate:payment:<provider>:<id>.
// Concurrent writers are serialised with optimistic WATCH transactions.
type RedisStore struct {
	Client redis.UniversalClient
	// TTL expires records; zero keeps them forever.
	TTL time.Duration
}

// Get implements Store.
func (s RedisStore) Get(ctx context.Context, provider, externalID string) (Record, bool, error) {
	if s.Client == nil {
		return Record{}, false, errors.New("reconcile: redis client not configured")
	}
	fields, err := s.Client.HGetAll(ctx, redisKey(provider, externalID)).Result()
	if err != nil {
		return Record{}, false, err
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	rec, err := decodeRecord(provider, externalID, fields)
	return rec, err == nil, err
}

// CompareAndSet implements Store.
func (s RedisStore) CompareAndSet(ctx context.Context, u Update) (Outcome, Record, error) {
	if s.Client == nil {
		return "", Record{}, errors.New("reconcile: redis client not configured")
	}
	key := redisKey(u.Provider, u.ExternalID)
	var (
		outcome Outcome
		stored  Record
	)
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		var current *Record
		if len(fields) > 0 {
			rec, err := decodeRecord(u.Provider, u.ExternalID, fields)
			if err != nil {
				return err
			}
			current = &rec
		}
		outcome = Decide(current, u)
		if outcome != Applied {
			stored = *current
			return nil
		}
		stored = u.record(time.Now())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeRecord(stored))
			if s.TTL > 0 {
				pipe.Expire(ctx, key, s.TTL)
			}
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := s.Client.Watch(ctx, txf, key)
		if err == nil {
			return outcome, stored, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return "", Record{}, err
		}
	}
	return "", Record{}, fmt.Errorf("reconcile: %s contended after %d attempts", key, maxTxRetries)
}

// LinkReference implements Store.
func (s RedisStore) LinkReference(ctx context.Context, provider, reference, externalID string) error {
	if s.Client == nil {
		return errors.New("reconcile: redis client not configured")
	}
	return s.Client.SetNX(ctx, refPrefix+recordKey(provider, reference), externalID, s.TTL).Err()
}

// ReferenceOwner implements Store.
func (s RedisStore) ReferenceOwner(ctx context.Context, provider, reference string) (string, bool, error) {
	if s.Client == nil {
		return "", false, errors.New("reconcile: redis client not configured")
	}
	owner, err := s.Client.Get(ctx, refPrefix+recordKey(provider, reference)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

func redisKey(provider, externalID string) string {
	return keyPrefix + recordKey(provider, externalID)
}

func recordKey(provider, externalID string) string {
	return provider + ":" + externalID
}

func encodeRecord(rec Record) map[string]any {
	fields := map[string]any{
		"status":      string(rec.Status),
		"amount":      rec.Amount.String(),
		"currency":    rec.Currency,
		"reference":   rec.Reference,
		"source":      rec.Source,
		"observed_at": "",
		"received_at": "",
		"updated_at":  rec.UpdatedAt.Format(redisTimestamp),
	}
	if !rec.ObservedAt.IsZero() {
		fields["observed_at"] = rec.ObservedAt.Format(redisTimestamp)
	}
	if !rec.ReceivedAt.IsZero() {
		fields["received_at"] = rec.ReceivedAt.Format(redisTimestamp)
	}
	return fields
}

func decodeRecord(provider, externalID string, fields map[string]string) (Record, error) {
	rec := Record{
		Provider:   provider,
		ExternalID: externalID,
		Status:     payment.NormalizedStatus(fields["status"]),
		Currency:   fields["currency"],
		Reference:  fields["reference"],
		Source:     fields["source"],
	}
	if raw := fields["amount"]; raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return Record{}, fmt.Errorf("reconcile: decode amount: %w", err)
		}
		rec.Amount = amount
	}
	var err error
	if rec.ObservedAt, err = parseStamp(fields["observed_at"]); err != nil {
		return Record{}, err
	}
	if rec.ReceivedAt, err = parseStamp(fields["received_at"]); err != nil {
		return Record{}, err
	}
	if rec.UpdatedAt, err = parseStamp(fields["updated_at"]); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func parseStamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(redisTimestamp, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("reconcile: decode timestamp: %w", err)
	}
	return t.UTC(), nil
}
