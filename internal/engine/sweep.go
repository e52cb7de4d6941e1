package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrSweeperRunning is returned by Run when the loop is already active.
var ErrSweeperRunning = errors.New("sweeper already running")

// Sweeper periodically fails sessions that outlived their timeout budget.
type Sweeper struct {
	Engine   Engine
	Interval time.Duration
	Logger   *log.Logger

	mu      sync.Mutex
	running bool
}

func NewSweeper(e Engine) *Sweeper {
	return &Sweeper{Engine: e, Interval: e.cfg().SweepInterval(), Logger: e.Logger}
}

func (s *Sweeper) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSweeperRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger().Printf("[sweep.start] interval=%s", interval)
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger().Printf("[sweep.error] err=%v", err)
		}
		select {
		case <-ctx.Done():
			s.logger().Printf("[sweep.stop]")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one sweep cycle and returns how many sessions timed out.
func (s *Sweeper) Tick(ctx context.Context) (int, error) {
	start := time.Now()
	swept, err := s.Engine.HandleTimeouts(ctx, s.Engine.now())
	if err != nil {
		return 0, err
	}
	if err := s.Engine.RefreshGauges(ctx); err != nil {
		s.logger().Printf("[sweep.gauges] err=%v", err)
	}
	s.Engine.Metrics.SweepCycle(time.Since(start))
	return len(swept), nil
}
