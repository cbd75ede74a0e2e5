package dispatch

import (
	"context"
	"sync"
	"time"

	"distributor/pkg/logx"
)

// Sweeper periodically retries conversations that found no agent, so a
// capacity change (agent back on shift, chat completed) picks them up
// without an external retry loop.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *logx.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	startMu sync.Mutex
	running bool
}

// NewSweeper creates a sweeper for the engine. Intervals below one second
// are clamped to one second.
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	if interval < time.Second {
		interval = time.Second
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		logger:   logx.NewLogger("sweeper"),
	}
}

// Start launches the sweep loop. Calling Start on a running sweeper is a
// no-op.
func (s *Sweeper) Start() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop()
	s.logger.Info("Pending sweeper started (interval %s)", s.interval)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	<-s.doneCh
	s.logger.Info("Pending sweeper stopped")
}

func (s *Sweeper) loop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			s.engine.RetryPending(ctx)
			cancel()
		}
	}
}
