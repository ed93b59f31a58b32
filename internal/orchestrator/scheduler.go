package orchestrator

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Job is a named recurring pipeline stage.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler runs jobs on cron specs. A job still running when its next
// tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// cronLogger adapts zap to the cron.Logger interface.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

// NewScheduler creates a Scheduler. Jobs with an empty spec are ignored.
func NewScheduler(ctx context.Context, jobs ...Job) (*Scheduler, error) {
	logger := cronLogger{s: zap.L().With(zap.String("component", "scheduler")).Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s := &Scheduler{cron: c, entries: make(map[string]cron.EntryID)}

	for _, j := range jobs {
		if j.Spec == "" {
			continue
		}
		if _, dup := s.entries[j.Name]; dup {
			return nil, eris.Errorf("scheduler: duplicate job %q", j.Name)
		}
		id, err := c.AddFunc(j.Spec, func() {
			if ctx.Err() != nil {
				return
			}
			log := zap.L().With(zap.String("component", "scheduler"), zap.String("job", j.Name))
			log.Info("job started")
			if err := j.Run(ctx); err != nil {
				log.Error("job failed", zap.Error(err))
				return
			}
			log.Info("job finished")
		})
		if err != nil {
			return nil, eris.Wrapf(err, "scheduler: job %s: spec %q", j.Name, j.Spec)
		}
		s.entries[j.Name] = id
	}
	if len(s.entries) == 0 {
		return nil, eris.New("scheduler: no jobs scheduled")
	}
	return s, nil
}

// Jobs returns the scheduled job names mapped to their cron entry IDs.
func (s *Scheduler) Jobs() map[string]cron.EntryID {
	out := make(map[string]cron.EntryID, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Entry returns the cron entry for a job, used to report the next run.
func (s *Scheduler) Entry(name string) (cron.Entry, bool) {
	id, ok := s.entries[name]
	if !ok {
		return cron.Entry{}, false
	}
	return s.cron.Entry(id), true
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	zap.L().Info("scheduler started", zap.String("component", "scheduler"), zap.Int("jobs", len(s.entries)))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	zap.L().Info("scheduler stopped", zap.String("component", "scheduler"))
	return nil
}
