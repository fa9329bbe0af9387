package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pzverkov/kioskops-relay/internal/domain"
	"github.com/pzverkov/kioskops-relay/internal/pkg/ctxlog"
	"github.com/pzverkov/kioskops-relay/internal/queue"
)

// RunnerConfig controls the periodic flush loop.
type RunnerConfig struct {
	Interval  time.Duration
	Retention domain.RetentionPolicy
}

// Runner triggers flush cycles on a fixed interval. The engine itself never
// self-schedules; hosts that bring their own scheduler call FlushOnce
// directly instead of starting a Runner.
type Runner struct {
	engine *Engine
	store  *queue.Store
	cfg    RunnerConfig

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRunner creates a Runner around an engine and its store.
func NewRunner(engine *Engine, store *queue.Store, cfg RunnerConfig) *Runner {
	return &Runner{
		engine:   engine,
		store:    store,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// Start launches the flush loop. The first cycle runs immediately.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("sync runner already running")
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)

	ctxlog.FromContext(ctx).Info("sync runner started",
		"interval", r.cfg.Interval,
	)
	return nil
}

// Stop gracefully stops the loop and waits for an in-progress cycle.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("sync runner not running")
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	return nil
}

func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Runner) cycle(ctx context.Context) {
	log := ctxlog.FromContext(ctx)

	if _, err := r.engine.FlushOnce(ctx); err != nil {
		log.Error("flush cycle failed", "error", err)
	}

	if _, err := r.store.ApplyRetention(ctx, r.cfg.Retention); err != nil {
		log.Error("retention pass failed", "error", err)
	}

	counts, err := r.store.StateCounts(ctx)
	if err != nil {
		log.Error("queue depth snapshot failed", "error", err)
		return
	}
	queue.RecordDepth(counts)
}
