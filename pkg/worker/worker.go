package worker

import (
	"context"
	"fmt"
	"github.com/darkiworld/debrid-blackhole/internal/logger"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"time"
)

const (
	defaultSaveInterval  = 30 * time.Second
	defaultPruneInterval = time.Hour
	jobTag               = "decypharr-worker"
)

// Store is the part of the download manager the workers maintain.
type Store interface {
	Save() error
	Prune(olderThan time.Duration) int
}

type Worker struct {
	store         Store
	retention     time.Duration
	saveInterval  time.Duration
	pruneInterval time.Duration
	logger        zerolog.Logger
}

type Option func(*Worker)

func WithLogger(l zerolog.Logger) Option {
	return func(w *Worker) {
		w.logger = l
	}
}

func WithIntervals(save, prune time.Duration) Option {
	return func(w *Worker) {
		w.saveInterval = save
		w.pruneInterval = prune
	}
}

// New returns a worker that persists store periodically and prunes terminal
// downloads older than retention. A zero retention disables pruning.
func New(store Store, retention time.Duration, opts ...Option) *Worker {
	w := &Worker{
		store:         store,
		retention:     retention,
		saveInterval:  defaultSaveInterval,
		pruneInterval: defaultPruneInterval,
		logger:        logger.New("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func newScheduler() (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.Local),
		gocron.WithGlobalJobOptions(gocron.WithTags(jobTag)),
	)
	if err != nil {
		// Fallback to scheduler without timezone location
		return gocron.NewScheduler(gocron.WithGlobalJobOptions(gocron.WithTags(jobTag)))
	}
	return scheduler, nil
}

// Start runs the jobs until ctx is done and saves one last time. A job still
// running when its next tick comes is not started twice.
func (w *Worker) Start(ctx context.Context) error {
	scheduler, err := newScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if err := w.schedule(scheduler, "save", w.saveInterval, w.save); err != nil {
		return err
	}
	if w.retention > 0 {
		if err := w.schedule(scheduler, "prune", w.pruneInterval, w.prune); err != nil {
			return err
		}
	}

	scheduler.Start()
	w.logger.Debug().Msg("Worker started")

	<-ctx.Done()
	if err := scheduler.Shutdown(); err != nil {
		w.logger.Warn().Err(err).Msg("Scheduler shutdown")
	}
	w.logger.Debug().Msg("Worker stopped")

	w.save()
	return nil
}

func (w *Worker) schedule(s gocron.Scheduler, name string, every time.Duration, job func()) error {
	_, err := s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(job),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s job: %w", name, err)
	}
	w.logger.Trace().Msgf("%s job scheduled for every %s", name, every)
	return nil
}

func (w *Worker) save() {
	if err := w.store.Save(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to save downloads")
	}
}

func (w *Worker) prune() {
	n := w.store.Prune(w.retention)
	w.logger.Trace().Int("removed", n).Msg("Prune job done")
}
