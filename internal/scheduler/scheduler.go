package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"financemate/internal/logger"
)

// Scheduler drives the settlement sweeps on a fixed interval. A tick that
// is still running when the next one fires is not overlapped; the next
// tick is skipped instead.
type Scheduler struct {
	cron    *cron.Cron
	settler *Settler
}

// New creates a Scheduler running the settler every interval.
func New(settler *Settler, interval time.Duration) (*Scheduler, error) {
	log := &cronLogger{}
	c := cron.New(cron.WithChain(
		cron.Recover(log),
		cron.SkipIfStillRunning(log),
	))

	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		settler.Run(time.Now())
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling settlement sweep: %w", err)
	}

	return &Scheduler{cron: c, settler: settler}, nil
}

// Start begins ticking in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and returns a context that is done once any
// in-flight sweep has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// cronLogger adapts the application logger to the cron.Logger interface.
type cronLogger struct{}

func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	logger.Get().Infow("scheduler: "+msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logger.Get().Errorw("scheduler: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
