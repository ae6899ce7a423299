package warden

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPReloader watches for SIGHUP signals and reloads the proxy's
// allow list. Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// ReloadFunc is called on each SIGHUP. It should rebuild the allow
// list from its source and return the new list (or nil to keep the
// current one) and any error.
type ReloadFunc func(ctx context.Context) (*AllowList, error)

// WatchSIGHUP starts a goroutine that listens for SIGHUP signals and
// calls the reload function. A non-nil result is swapped into the
// policy; a reload error keeps the current snapshot.
func WatchSIGHUP(policy *Policy, reload ReloadFunc, logger *slog.Logger) *SIGHUPReloader {
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
				logger.Info("received SIGHUP, reloading...")
				al, err := reload(ctx)
				if err != nil {
					logger.Error("reload failed", "error", err)
					continue
				}
				if al != nil {
					policy.Swap(al)
					logger.Info("allow list reloaded", "patterns", al.Count())
				}
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
