// Package dispatcher manages worker fan-out over the request queue.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worker consumes requests until its context ends.
type Worker interface {
	Run(ctx context.Context)
}

// Recoverer requeues requests abandoned by crashed workers.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Config controls the dispatcher.
type Config struct {
	// RecoverInterval is how often stale ACTIVE requests are swept. Zero
	// sweeps only at startup.
	RecoverInterval time.Duration
}

// Dispatcher fans out queue work to a fixed pool of workers.
type Dispatcher struct {
	recoverer Recoverer
	workers   []Worker
	cfg       Config
	logger    *zap.Logger
}

// New creates a Dispatcher.
func New(recoverer Recoverer, workers []Worker, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		recoverer: recoverer,
		workers:   workers,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run starts all workers and blocks until the context finishes and every
// in-flight attempt has been recorded.
func (d *Dispatcher) Run(ctx context.Context) {
	d.recover(ctx)

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))

	if d.cfg.RecoverInterval > 0 && d.recoverer != nil {
		ticker := time.NewTicker(d.cfg.RecoverInterval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				d.recover(ctx)
			}
		}
	} else {
		<-ctx.Done()
	}
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) recover(ctx context.Context) {
	if d.recoverer == nil {
		return
	}
	if _, err := d.recoverer.Recover(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("stale request sweep failed", zap.Error(err))
	}
}
