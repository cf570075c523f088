package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"billingsync/internal/idempotency"
	"billingsync/internal/types"
)

const (
	stateProcessing = "processing"
	stateProcessed  = "processed"
)

// ProcessedEventStore is the PostgreSQL idempotency.Claimer. Rows outlive
// their expires_at until PurgeExpired deletes them; every read ignores
// expired rows.
type ProcessedEventStore struct {
	db    DBTX
	clock types.Clock
}

var _ idempotency.Claimer = (*ProcessedEventStore)(nil)

func NewProcessedEventStore(db DBTX, clock types.Clock) *ProcessedEventStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &ProcessedEventStore{db: db, clock: clock}
}

func (s *ProcessedEventStore) Has(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM processed_events
		   WHERE event_id = $1 AND state = 'processed' AND expires_at > $2
		 )`,
		eventID, s.clock.Now(),
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check processed event", err)
	}
	return exists, nil
}

func (s *ProcessedEventStore) Add(ctx context.Context, eventID string, ttl time.Duration) error {
	now := s.clock.Now()
	_, err := s.db.Exec(ctx,
		`INSERT INTO processed_events (event_id, state, expires_at, updated_at)
		 VALUES ($1, 'processed', $2, $3)
		 ON CONFLICT (event_id) DO UPDATE
		   SET state = 'processed',
		       expires_at = EXCLUDED.expires_at,
		       updated_at = EXCLUDED.updated_at`,
		eventID, now.Add(idempotency.EffectiveTTL(ttl)), now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark event processed", err)
	}
	return nil
}

// Claim inserts a processing row, or takes over an expired one. When the
// conditional upsert touches no row the existing row decides the outcome.
func (s *ProcessedEventStore) Claim(ctx context.Context, eventID string, inFlightTTL time.Duration) (idempotency.ClaimState, error) {
	if inFlightTTL <= 0 {
		inFlightTTL = idempotency.DefaultInFlightTTL
	}
	now := s.clock.Now()

	tag, err := s.db.Exec(ctx,
		`INSERT INTO processed_events (event_id, state, expires_at, updated_at)
		 VALUES ($1, 'processing', $2, $3)
		 ON CONFLICT (event_id) DO UPDATE
		   SET state = 'processing',
		       expires_at = EXCLUDED.expires_at,
		       updated_at = EXCLUDED.updated_at
		   WHERE processed_events.expires_at <= $3`,
		eventID, now.Add(inFlightTTL), now,
	)
	if err != nil {
		return idempotency.ClaimInFlight, types.NewAppError(types.ErrCodeInternalDB, "failed to claim event", err)
	}
	if tag.RowsAffected() == 1 {
		return idempotency.ClaimAcquired, nil
	}

	var state string
	err = s.db.QueryRow(ctx,
		`SELECT state FROM processed_events WHERE event_id = $1`,
		eventID,
	).Scan(&state)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Purged between the two statements; the redelivery will claim it.
		return idempotency.ClaimInFlight, nil
	case err != nil:
		return idempotency.ClaimInFlight, types.NewAppError(types.ErrCodeInternalDB, "failed to read event claim", err)
	case state == stateProcessed:
		return idempotency.ClaimProcessed, nil
	default:
		return idempotency.ClaimInFlight, nil
	}
}

// Release deletes an unfinished claim. Processed rows are left alone.
func (s *ProcessedEventStore) Release(ctx context.Context, eventID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM processed_events WHERE event_id = $1 AND state = $2`,
		eventID, stateProcessing,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release event claim", err)
	}
	return nil
}

// PurgeExpired deletes rows whose window ended at or before before.
func (s *ProcessedEventStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM processed_events WHERE expires_at <= $1`,
		before,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge expired events", err)
	}
	return tag.RowsAffected(), nil
}
