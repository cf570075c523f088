package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"billingsync/internal/types"
	"billingsync/internal/webhook"
)

// ArchivedEvent is one row of the raw event archive, decompressed.
type ArchivedEvent struct {
	EventID    string
	EventType  string
	Livemode   bool
	APIVersion string
	CreatedAt  time.Time
	ReceivedAt time.Time
	Payload    []byte
}

// EventLogRepo archives verified webhook bodies zstd-compressed. The
// archive is append-only; redeliveries of the same event keep the first copy.
type EventLogRepo struct {
	db      DBTX
	clock   types.Clock
	encoder *zstd.Encoder

	// decoderPool provides reusable zstd decoders.
	decoderPool sync.Pool
}

var _ webhook.Archive = (*EventLogRepo)(nil)

func NewEventLogRepo(db DBTX, clock types.Clock) (*EventLogRepo, error) {
	if clock == nil {
		clock = types.RealClock{}
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &EventLogRepo{
		db:      db,
		clock:   clock,
		encoder: enc,
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}, nil
}

// Append stores evt's verified payload. EncodeAll is safe for concurrent use.
func (r *EventLogRepo) Append(ctx context.Context, evt *webhook.Event) error {
	compressed := r.encoder.EncodeAll(evt.Payload, make([]byte, 0, len(evt.Payload)/2))

	_, err := r.db.Exec(ctx,
		`INSERT INTO event_log
		   (event_id, event_type, livemode, api_version, created_at, received_at, payload_zstd, payload_size)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (event_id) DO NOTHING`,
		evt.ID, evt.Type, evt.Livemode, evt.APIVersion, evt.CreatedAt, r.clock.Now(),
		compressed, len(evt.Payload),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to archive event", err)
	}
	return nil
}

// Get returns the archived event or a not_found_record AppError.
func (r *EventLogRepo) Get(ctx context.Context, eventID string) (*ArchivedEvent, error) {
	var (
		out        ArchivedEvent
		compressed []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT event_id, event_type, livemode, api_version, created_at, received_at, payload_zstd
		 FROM event_log WHERE event_id = $1`,
		eventID,
	).Scan(&out.EventID, &out.EventType, &out.Livemode, &out.APIVersion, &out.CreatedAt, &out.ReceivedAt, &compressed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundRecord, fmt.Sprintf("event %s is not archived", eventID), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read archived event", err)
	}

	payload, err := r.decompress(compressed)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("failed to decompress event %s", eventID), err)
	}
	out.Payload = payload
	return &out, nil
}

// PurgeBefore deletes archived events received before cutoff.
func (r *EventLogRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM event_log WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge event log", err)
	}
	return tag.RowsAffected(), nil
}

func (r *EventLogRepo) decompress(data []byte) ([]byte, error) {
	d := r.decoderPool.Get().(*zstd.Decoder)
	defer r.decoderPool.Put(d)
	return d.DecodeAll(data, nil)
}
