package pipeline

import (
	"context"
	"sync"
	"time"

	"herringbone/metrics"

	"go.uber.org/zap"
)

// Stage is one step of the event pipeline. PollOnce attempts to claim
// and process a single pending event: it reports whether it processed
// anything so the runner can decide between looping and idling.
type Stage interface {
	Name() string
	PollOnce(ctx context.Context) (bool, error)
}

// Runner drives a stage in a loop. Stages share no channels or locks;
// coordination happens entirely through the event state collection, so
// any number of runners for the same stage can poll concurrently.
type Runner struct {
	stage    Stage
	interval time.Duration
	logger   *zap.SugaredLogger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRunner creates a runner polling the stage at the given interval.
func NewRunner(parentCtx context.Context, stage Stage, interval time.Duration, logger *zap.SugaredLogger) *Runner {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Runner{
		stage:    stage,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the poll loop.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true

	r.logger.Infof("Starting %s stage runner with poll interval %s", r.stage.Name(), r.interval)
	r.wg.Add(1)
	go r.loop()
}

// Stop cancels the loop and waits for the in-flight poll to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.logger.Infof("Stopped %s stage runner", r.stage.Name())
}

func (r *Runner) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		processed := r.pollOnce()
		if processed {
			// More work may be queued; poll again without sleeping.
			continue
		}

		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.interval):
		}
	}
}

// pollOnce runs one stage poll with panic containment, so a malformed
// event cannot take the whole runner down.
func (r *Runner) pollOnce() (processed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			processed = false
			metrics.PipelinePolls.WithLabelValues(r.stage.Name(), "panic").Inc()
			r.logger.Errorf("Recovered panic in %s stage: %v", r.stage.Name(), rec)
		}
	}()

	processed, err := r.stage.PollOnce(r.ctx)
	switch {
	case err != nil:
		metrics.PipelinePolls.WithLabelValues(r.stage.Name(), "error").Inc()
		r.logger.Errorf("Poll failed in %s stage: %v", r.stage.Name(), err)
	case processed:
		metrics.PipelinePolls.WithLabelValues(r.stage.Name(), "processed").Inc()
	default:
		metrics.PipelinePolls.WithLabelValues(r.stage.Name(), "idle").Inc()
	}
	return processed
}
