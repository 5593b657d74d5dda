package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hikaku/internal/model"
)

// ChannelDispatch is the Postgres NOTIFY channel for completed dispatch cycles.
const ChannelDispatch = "hikaku_dispatch"

// dispatchNotice is the NOTIFY payload. Postgres caps payloads at 8000
// bytes, so only identifiers are sent; listeners read details from the
// training_jobs table.
type dispatchNotice struct {
	CycleID    string              `json:"cycle_id"`
	Outcome    model.SubmitOutcome `json:"outcome"`
	EventCount int                 `json:"event_count"`
	Jobs       []string            `json:"jobs,omitempty"`
}

// Listen subscribes the notify connection to channel.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel and returns its channel and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// OnDispatch announces a completed cycle on ChannelDispatch. It lets DB
// serve as a pipeline.DispatchHook when history is kept in Postgres.
func (db *DB) OnDispatch(ctx context.Context, report model.DispatchReport) error {
	notice := dispatchNotice{
		CycleID:    report.CycleID,
		Outcome:    report.Outcome,
		EventCount: report.EventCount,
	}
	for _, b := range report.Backends {
		if b.Job != nil {
			notice.Jobs = append(notice.Jobs, b.Job.JobName)
		}
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("storage: marshal dispatch notice: %w", err)
	}
	return db.Notify(ctx, ChannelDispatch, string(payload))
}
