package cron

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/keelstream/tuskd/store"
	"go.uber.org/zap"
)

// Sweeper periodically deletes uploads whose expiration has passed,
// cascading to their chunks.
type Sweeper struct {
	scheduler gocron.Scheduler
	store     store.Storage
	ttl       time.Duration
	logger    *zap.Logger
}

// NewSweeper schedules an expiration sweep every interval; an upload
// expires once its last write is older than ttl.
func NewSweeper(st store.Storage, interval, ttl time.Duration, logger *zap.Logger) (*Sweeper, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	s := &Sweeper{
		scheduler: scheduler,
		store:     st,
		ttl:       ttl,
		logger:    logger,
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.Sweep),
	)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Sweeper) Start() {
	s.scheduler.Start()
}

func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}

// Sweep runs one expiration pass.
func (s *Sweeper) Sweep() {
	before := time.Now().UTC().Add(-s.ttl)

	if err := s.store.ExpireFiles(context.Background(), before); err != nil {
		s.logger.Error("expiration sweep failed", zap.Error(err))
		return
	}

	s.logger.Debug("expiration sweep completed", zap.Time("before", before))
}
