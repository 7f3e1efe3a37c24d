package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGOutbox persists events to the outbox table for downstream delivery.
// Delivery workers mark rows processed; the engine only appends.
type PGOutbox struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewPGOutbox(pool *pgxpool.Pool, log *slog.Logger) *PGOutbox {
	return &PGOutbox{pool: pool, log: log}
}

// Deliver appends the event. An outbox write failure must not fail the
// settlement that emitted the event, so it is logged and dropped; the
// in-process stream still saw it.
func (o *PGOutbox) Deliver(e Event) {
	payload := map[string]any{
		"key":     e.Key,
		"version": e.Version,
		"from":    e.From,
		"to":      e.To,
		"reason":  e.Reason,
		"at":      e.At,
	}
	for k, v := range e.Payload {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		o.log.Error("marshal outbox payload", "key", e.Key, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.pool.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, string(e.Type), body); err != nil {
		o.log.Error("enqueue outbox", "key", e.Key, "topic", e.Type, "err", err)
	}
}
