package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Supervise runs w.Run in a loop, restarting it with exponential backoff
// if it panics or returns a non-context error, until ctx is cancelled.
// A watcher that keeps panicking never brings down the process; it just
// stops making ingest progress for its source until restarted.
func Supervise(ctx context.Context, w *Watcher, log zerolog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		err := runOnce(ctx, w, log)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue // Run returned cleanly without ctx cancellation: restart immediately
		}

		log.Warn().Err(err).Dur("backoff", backoff).Msg("ingest watcher restarting after failure")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func runOnce(ctx context.Context, w *Watcher, log zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingest watcher panic: %v", r)
		}
	}()
	return w.Run(ctx)
}
