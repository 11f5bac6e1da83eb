package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lantern-chat/lantern/internal/db"
	"github.com/lantern-chat/lantern/internal/metrics"
)

const eventBatchSize = 256

// Listener tails the event_log table and hands each batch to the event
// processors. It is supervised: a fatal error tears the task down and the
// backoff wrapper re-spawns it, resuming from the cursor kept in memory on
// the Listener.
type Listener struct {
	state  *State
	cursor int64
}

// NewListener creates a listener positioned at the current log tail, so a
// fresh process does not replay history.
func NewListener(ctx context.Context, state *State) (*Listener, error) {
	cursor, err := state.DB.LatestEventCounter(ctx)
	if err != nil {
		return nil, err
	}
	return &Listener{state: state, cursor: cursor}, nil
}

// Run polls until ctx is done. The supervising retry wrapper keeps the
// subsystem alive across database outages with bounded backoff.
func (l *Listener) Run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry forever; shutdown comes from ctx

	for {
		err := backoff.Retry(func() error {
			return l.poll(ctx)
		}, backoff.WithContext(policy, ctx))

		if ctx.Err() != nil {
			slog.Info("event listener draining")
			return
		}
		if err != nil {
			slog.Error("event listener restarting", "error", err)
		}
	}
}

// poll runs the fetch loop until an error or cancellation.
func (l *Listener) poll(ctx context.Context) error {
	ticker := time.NewTicker(l.state.Config.EventPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		entries, err := l.state.DB.FetchEvents(ctx, l.cursor, eventBatchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			metrics.EventLogLag.Set(0)
			continue
		}

		for _, entry := range entries {
			l.process(ctx, entry)
			l.cursor = entry.Counter
		}

		tail, err := l.state.DB.LatestEventCounter(ctx)
		if err == nil {
			metrics.EventLogLag.Set(float64(tail - l.cursor))
		}
	}
}

// process hands one entry to its processor. Processors are deterministic
// with respect to database state at read time; a processor failure drops
// the entry with a log line rather than wedging the stream.
func (l *Listener) process(ctx context.Context, entry db.EventLogEntry) {
	if err := processEvent(ctx, l.state, entry); err != nil {
		slog.Error("event processor failed",
			"code", entry.Code,
			"counter", entry.Counter,
			"subject_id", entry.SubjectID,
			"error", err)
	}
}
