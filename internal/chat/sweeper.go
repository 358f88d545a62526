package chat

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	sweepIdleAfter = 15 * time.Minute
	sweepLookback  = 24 * time.Hour
	sweepBatch     = 100
	sweepTimeout   = time.Minute
)

// SweepIdle runs the memory gate for authenticated chats that went quiet, so
// the inactivity trigger fires even when no further turn arrives.
func (s *Service) SweepIdle(ctx context.Context) (int, error) {
	now := s.now()
	idle, err := s.repo.ListIdleSessions(ctx, now.Add(-sweepLookback), now.Add(-sweepIdleAfter), sweepBatch)
	if err != nil {
		return 0, err
	}

	requested := 0
	for _, c := range idle {
		if ctx.Err() != nil {
			return requested, ctx.Err()
		}
		ok, err := s.considerMemory(ctx, c.ChatID, c.OwnerID, "", "sweep")
		if err != nil {
			s.log.Warn("sweep memory gate failed", zap.String("chat_id", c.ChatID), zap.Error(err))
			continue
		}
		if ok {
			requested++
		}
	}
	return requested, nil
}

// Sweeper schedules SweepIdle.
type Sweeper struct {
	svc  *Service
	spec string
	cron *cron.Cron
	log  *zap.Logger
}

func NewSweeper(svc *Service, spec string, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{log.Sugar()}
	return &Sweeper{
		svc:  svc,
		spec: spec,
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:  log,
	}
}

// Start registers the sweep and starts the scheduler. An invalid spec is
// returned as an error.
func (sw *Sweeper) Start() error {
	if _, err := sw.cron.AddFunc(sw.spec, sw.run); err != nil {
		return err
	}
	sw.cron.Start()
	sw.log.Info("memory sweep scheduled", zap.String("spec", sw.spec))
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish or ctx to end.
func (sw *Sweeper) Stop(ctx context.Context) {
	select {
	case <-sw.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (sw *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	start := time.Now()
	n, err := sw.svc.SweepIdle(ctx)
	if err != nil {
		sw.log.Warn("memory sweep failed", zap.Error(err))
		return
	}
	sw.log.Info("memory sweep done", zap.Int("requested", n), zap.Duration("cost", time.Since(start)))
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
