package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/omnidesk/omnidesk/internal/conversation"
)

// SchedulerStore is the conversation access the scheduler needs.
type SchedulerStore interface {
	ListDueResume(ctx context.Context, limit int) ([]conversation.Conversation, error)
	ClaimDelayResume(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error)
}

// Resumer executes the flow walk for a successfully claimed conversation and
// dispatches its output. Implemented by the routing pipeline.
type Resumer interface {
	ResumeDelayed(ctx context.Context, conv *conversation.Conversation) error
}

const tickTimeout = 30 * time.Second

// Scheduler resumes timer-paused flows on a fixed interval. Overlap within
// one process is prevented by TryLock; across processes the per-row claim
// UPDATE in the store is the only barrier, so any number of instances may
// tick concurrently.
type Scheduler struct {
	store     SchedulerStore
	resumer   Resumer
	logger    *slog.Logger
	interval  time.Duration
	batchSize int

	mu   sync.Mutex
	cron *cron.Cron
}

// NewScheduler creates a flow scheduler ticking every interval.
func NewScheduler(store SchedulerStore, resumer Resumer, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		store:     store,
		resumer:   resumer,
		logger:    logger,
		interval:  interval,
		batchSize: 100,
	}
}

// Start begins ticking. Stop releases the cron goroutine.
func (s *Scheduler) Start() error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	spec := fmt.Sprintf("@every %ds", int(s.interval.Seconds()))
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("schedule flow resumption: %w", err)
	}
	c.Start()
	s.cron = c
	if s.logger != nil {
		s.logger.Info("flow scheduler started", slog.String("interval", s.interval.String()))
	}
	return nil
}

// Stop halts ticking and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// tick processes one batch of due conversations. A tick still running when
// the next fires makes the new one return immediately.
func (s *Scheduler) tick() {
	if !s.mu.TryLock() {
		return
	}
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()
	s.RunOnce(ctx)
}

// RunOnce claims and resumes every currently due conversation. Exported for
// tests and manual draining. Per-conversation failures are logged and the
// batch continues.
func (s *Scheduler) RunOnce(ctx context.Context) {
	due, err := s.store.ListDueResume(ctx, s.batchSize)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("list due conversations", slog.Any("error", err))
		}
		return
	}
	for i := range due {
		if err := s.resumeOne(ctx, due[i].ID); err != nil && s.logger != nil {
			s.logger.Error("resume paused flow",
				slog.String("conversation_id", due[i].ID.String()),
				slog.Any("error", err))
		}
	}
}

func (s *Scheduler) resumeOne(ctx context.Context, id uuid.UUID) error {
	claimed, err := s.store.ClaimDelayResume(ctx, id)
	if err != nil {
		return err
	}
	if claimed == nil {
		// Another instance won the claim, or the pause was cleared.
		return nil
	}
	return s.resumer.ResumeDelayed(ctx, claimed)
}
