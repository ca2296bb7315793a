package udss

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// ReloadFunc refreshes one piece of runtime state.
type ReloadFunc func(ctx context.Context) error

// SIGHUPReloader runs a set of reload functions on each SIGHUP.
// Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the watcher and waits for an in-progress reload to finish.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// WatchSIGHUP calls every reload function, in order, each time the process
// receives SIGHUP. A failing function is logged and does not stop the rest.
func WatchSIGHUP(logger *slog.Logger, reloads ...ReloadFunc) *SIGHUPReloader {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading")
				if err := runReloads(ctx, reloads); err != nil {
					logger.Error("reload failed", "error", err)
					continue
				}
				logger.Info("reload complete")
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}

func runReloads(ctx context.Context, reloads []ReloadFunc) error {
	var errs []error
	for _, reload := range reloads {
		if err := reload(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
