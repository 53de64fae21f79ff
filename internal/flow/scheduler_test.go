package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnidesk/omnidesk/internal/conversation"
)

// fakeClaimStore mimics the conditional UPDATE: the first claim for a due
// conversation wins, later claims see zero rows.
type fakeClaimStore struct {
	mu  sync.Mutex
	due map[uuid.UUID]conversation.Conversation
}

func newFakeClaimStore(convs ...conversation.Conversation) *fakeClaimStore {
	s := &fakeClaimStore{due: make(map[uuid.UUID]conversation.Conversation)}
	for _, c := range convs {
		s.due[c.ID] = c
	}
	return s
}

func (s *fakeClaimStore) ListDueResume(_ context.Context, _ int) ([]conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Conversation, 0, len(s.due))
	for _, c := range s.due {
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeClaimStore) ClaimDelayResume(_ context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.due[id]
	if !ok || conv.FlowState.Phase != conversation.PhasePausedDelay {
		return nil, nil
	}
	claimed := conv
	claimed.FlowState.Phase = conversation.PhaseRunning
	claimed.FlowState.ResumeAt = nil
	s.due[id] = claimed
	return &claimed, nil
}

type countingResumer struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (r *countingResumer) ResumeDelayed(_ context.Context, conv *conversation.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, conv.ID)
	return nil
}

func pausedConversation() conversation.Conversation {
	resumeAt := time.Now().Add(-time.Second)
	return conversation.Conversation{
		ID:        uuid.New(),
		FlowState: conversation.PausedDelayState("flow-1", "node-2", resumeAt, nil),
	}
}

func TestClaimExclusivity(t *testing.T) {
	t.Parallel()

	store := newFakeClaimStore(pausedConversation())
	resumer := &countingResumer{}
	scheduler := NewScheduler(store, resumer, nil, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.RunOnce(context.Background())
		}()
	}
	wg.Wait()

	assert.Len(t, resumer.calls, 1, "exactly one claim must succeed")
}

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	first := pausedConversation()
	second := pausedConversation()
	store := newFakeClaimStore(first, second)
	resumer := &failingResumer{failID: first.ID}
	scheduler := NewScheduler(store, resumer, nil, time.Second)

	scheduler.RunOnce(context.Background())

	// Both were claimed; the failure on one did not abort the batch.
	require.Len(t, resumer.calls, 2)
}

type failingResumer struct {
	mu     sync.Mutex
	failID uuid.UUID
	calls  []uuid.UUID
}

func (r *failingResumer) ResumeDelayed(_ context.Context, conv *conversation.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, conv.ID)
	if conv.ID == r.failID {
		return assert.AnError
	}
	return nil
}

func TestTickIsReentrancySafe(t *testing.T) {
	t.Parallel()

	store := newFakeClaimStore(pausedConversation())
	blocker := &blockingResumer{entered: make(chan struct{}), release: make(chan struct{})}
	scheduler := NewScheduler(store, blocker, nil, time.Second)

	done := make(chan struct{})
	go func() {
		scheduler.tick()
		close(done)
	}()
	<-blocker.entered

	// A second tick while the first holds the lock must return immediately.
	scheduler.tick()
	close(blocker.release)
	<-done

	assert.Equal(t, 1, blocker.count)
}

type blockingResumer struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
	count   int
}

func (r *blockingResumer) ResumeDelayed(_ context.Context, _ *conversation.Conversation) error {
	r.count++
	r.once.Do(func() { close(r.entered) })
	<-r.release
	return nil
}
