package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"tproxysocks5/internal/config"
	"tproxysocks5/internal/tsock"
)

// Controller is spec.md 4.8 T2: it owns the worker pool as a whole, fanning
// config.Workers() independent Worker instances out across an errgroup
// (grounded on the teacher's use of golang.org/x/sync/errgroup for
// supervised goroutine groups) and tearing all of them down together on
// Stop. The first worker (id 0) is the reference's "main" worker — the only
// one for which a missing SO_REUSEPORT is tolerated rather than fatal.
type Controller struct {
	workers []*Worker
	cache   *tsock.Cache
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// NewController builds a controller for cfg, but does not start anything yet.
func NewController(parent context.Context, cfg *config.Config) *Controller {
	ctx, cancel := context.WithCancel(parent)
	group, ctx := errgroup.WithContext(ctx)

	cache := tsock.New()
	workers := make([]*Worker, cfg.Workers())
	for i := range workers {
		workers[i] = New(ctx, i, cfg, cache)
	}

	return &Controller{workers: workers, cache: cache, group: group, cancel: cancel}
}

// Run starts every worker and blocks until all of them have returned (either
// because Stop was called, or because one of them failed outright, which
// cancels the rest via the errgroup's shared context).
func (c *Controller) Run() error {
	for _, w := range c.workers {
		w := w
		c.group.Go(w.Run)
	}
	err := c.group.Wait()
	c.cache.Close()
	return err
}

// Stop signals every worker to shut down and waits up to timeout for them to
// drain (spec.md 6.3 SIGTERM/SIGINT handling), mirroring the teacher's
// ListenerMgr.StopWithTimeout "cancel, then bound the wait" idiom.
func (c *Controller) Stop(timeout time.Duration) {
	c.cancel()
	for _, w := range c.workers {
		w.Stop()
	}
	if timeout <= 0 {
		return
	}
	done := make(chan struct{})
	go func() {
		for _, w := range c.workers {
			w.wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
