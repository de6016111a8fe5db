package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*model.VoteEvent
	err    error
}

func (p *recordingPublisher) PublishVoteEvent(ctx context.Context, event *model.VoteEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// failingStore 按配置让 CommitVote 返回固定错误
type failingStore struct {
	repository.Store
	commitErr error
	commits   atomic.Int32
}

func (s *failingStore) CommitVote(ctx context.Context, change model.VoteChange) (*model.Poll, error) {
	s.commits.Add(1)
	return nil, s.commitErr
}

type fixture struct {
	store  repository.Store
	polls  *PollService
	votes  *VoteService
	events *recordingPublisher
}

func newFixture(t *testing.T, store repository.Store, maxRetries int) *fixture {
	t.Helper()
	events := &recordingPublisher{}
	cfg := config.VoteConfig{MaxRetries: maxRetries, RetryBackoff: time.Millisecond}
	return &fixture{
		store:  store,
		polls:  NewPollService(store, time.Second),
		votes:  NewVoteService(store, events, cfg, time.Second, zap.NewNop()),
		events: events,
	}
}

func optionCounts(p *model.Poll) []int {
	out := make([]int, len(p.Options))
	for i, o := range p.Options {
		out[i] = o.Count
	}
	return out
}

func TestVote_ConsoleScenario(t *testing.T) {
	f := newFixture(t, repository.NewMemoryRepository(), 5)
	ctx := context.Background()

	poll, err := f.polls.Create(ctx, "Console?", []string{"PS5", "Xbox"})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, optionCounts(poll))
	assert.Equal(t, 0, poll.TotalCount)

	ps5, xbox := poll.Options[0].ID, poll.Options[1].ID

	poll, err = f.votes.Vote(ctx, poll.ID, "U", ps5)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, optionCounts(poll))
	assert.Equal(t, 1, poll.TotalCount)

	poll, err = f.votes.Vote(ctx, poll.ID, "U", xbox)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, optionCounts(poll))
	assert.Equal(t, 1, poll.TotalCount)

	poll, err = f.votes.Vote(ctx, poll.ID, "V", xbox)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, optionCounts(poll))
	assert.Equal(t, 2, poll.TotalCount)

	assert.Equal(t, 3, f.events.count())
}

func TestVote_SameOptionTwiceIsNoop(t *testing.T) {
	f := newFixture(t, repository.NewMemoryRepository(), 5)
	ctx := context.Background()

	poll, err := f.polls.Create(ctx, "Tabs or spaces?", []string{"Tabs", "Spaces"})
	require.NoError(t, err)
	opt := poll.Options[0].ID

	first, err := f.votes.Vote(ctx, poll.ID, "u1", opt)
	require.NoError(t, err)
	second, err := f.votes.Vote(ctx, poll.ID, "u1", opt)
	require.NoError(t, err)

	assert.Equal(t, optionCounts(first), optionCounts(second))
	assert.Equal(t, first.TotalCount, second.TotalCount)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
	assert.Equal(t, 1, f.events.count())
}

func TestVote_MoveKeepsTotal(t *testing.T) {
	f := newFixture(t, repository.NewMemoryRepository(), 5)
	ctx := context.Background()

	poll, err := f.polls.Create(ctx, "Best season?", []string{"Spring", "Summer", "Autumn"})
	require.NoError(t, err)
	a, b := poll.Options[0].ID, poll.Options[2].ID

	_, err = f.votes.Vote(ctx, poll.ID, "u1", a)
	require.NoError(t, err)
	_, err = f.votes.Vote(ctx, poll.ID, "u2", a)
	require.NoError(t, err)

	poll, err = f.votes.Vote(ctx, poll.ID, "u1", b)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 1}, optionCounts(poll))
	assert.Equal(t, 2, poll.TotalCount)
	assert.Equal(t, b, poll.LastUpdatedOptionID)

	vote, err := f.votes.MyVote(ctx, poll.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, b, vote.OptionID)

	events := f.events.events
	require.Len(t, events, 3)
	assert.Equal(t, a, events[2].PriorOptionID)
	assert.Equal(t, b, events[2].OptionID)
}

func TestVote_Errors(t *testing.T) {
	f := newFixture(t, repository.NewMemoryRepository(), 5)
	ctx := context.Background()

	poll, err := f.polls.Create(ctx, "Console?", []string{"PS5", "Xbox"})
	require.NoError(t, err)

	_, err = f.votes.Vote(ctx, poll.ID, "", poll.Options[0].ID)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// 身份检查优先于其他校验
	_, err = f.votes.Vote(ctx, "", "", "")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = f.votes.Vote(ctx, "missing", "u1", "x")
	assert.ErrorIs(t, err, repository.ErrPollNotFound)

	_, err = f.votes.Vote(ctx, poll.ID, "u1", "missing")
	assert.ErrorIs(t, err, repository.ErrOptionNotFound)

	_, err = f.votes.MyVote(ctx, poll.ID, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = f.votes.MyVote(ctx, poll.ID, "nobody")
	assert.ErrorIs(t, err, repository.ErrVoteNotFound)

	assert.Zero(t, f.events.count())
}

func TestVote_ConcurrentFirstVoters(t *testing.T) {
	f := newFixture(t, repository.NewMemoryRepository(), 5)
	ctx := context.Background()

	poll, err := f.polls.Create(ctx, "Lunch?", []string{"Pizza", "Sushi", "Tacos", "Salad"})
	require.NoError(t, err)

	const voters = 200
	want := make([]int, len(poll.Options))
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		idx := i % len(poll.Options)
		want[idx]++
		wg.Add(1)
		go func(user string, optionID string) {
			defer wg.Done()
			_, err := f.votes.Vote(ctx, poll.ID, user, optionID)
			assert.NoError(t, err)
		}(gofakeit.UUID(), poll.Options[idx].ID)
	}
	wg.Wait()

	got, err := f.polls.Lookup(ctx, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, voters, got.TotalCount)
	assert.Equal(t, want, optionCounts(got))
}

func TestVote_ConcurrentSameUserKeepsSingleVote(t *testing.T) {
	f := newFixture(t, repository.NewMemoryRepository(), 100)
	ctx := context.Background()

	poll, err := f.polls.Create(ctx, "Editor?", []string{"vim", "emacs", "nano"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(optionID string) {
			defer wg.Done()
			_, err := f.votes.Vote(ctx, poll.ID, "same-user", optionID)
			if err != nil {
				assert.ErrorIs(t, err, repository.ErrConflict)
			}
		}(poll.Options[i%3].ID)
	}
	wg.Wait()

	got, err := f.polls.Lookup(ctx, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalCount)
	assert.Equal(t, 1, got.SumCounts())

	vote, err := f.votes.MyVote(ctx, poll.ID, "same-user")
	require.NoError(t, err)
	o, ok := got.Option(vote.OptionID)
	require.True(t, ok)
	assert.Equal(t, 1, o.Count)
}

func TestVote_ConflictRetriesAreBounded(t *testing.T) {
	mem := repository.NewMemoryRepository()
	store := &failingStore{Store: mem, commitErr: repository.ErrConflict}
	f := newFixture(t, store, 3)
	ctx := context.Background()

	poll, err := f.polls.Create(ctx, "Console?", []string{"PS5", "Xbox"})
	require.NoError(t, err)

	_, err = f.votes.Vote(ctx, poll.ID, "u1", poll.Options[0].ID)
	assert.ErrorIs(t, err, repository.ErrConflict)
	assert.EqualValues(t, 4, store.commits.Load())
	assert.Zero(t, f.events.count())
}

func TestVote_UnavailableIsNotRetried(t *testing.T) {
	mem := repository.NewMemoryRepository()
	store := &failingStore{Store: mem, commitErr: fmt.Errorf("dial: %w", repository.ErrUnavailable)}
	f := newFixture(t, store, 5)
	ctx := context.Background()

	poll, err := f.polls.Create(ctx, "Console?", []string{"PS5", "Xbox"})
	require.NoError(t, err)

	_, err = f.votes.Vote(ctx, poll.ID, "u1", poll.Options[0].ID)
	assert.ErrorIs(t, err, repository.ErrUnavailable)
	assert.EqualValues(t, 1, store.commits.Load())
}

func TestVote_PublishFailureDoesNotFailVote(t *testing.T) {
	f := newFixture(t, repository.NewMemoryRepository(), 5)
	f.events.err = errors.New("broker down")
	ctx := context.Background()

	poll, err := f.polls.Create(ctx, "Console?", []string{"PS5", "Xbox"})
	require.NoError(t, err)

	got, err := f.votes.Vote(ctx, poll.ID, "u1", poll.Options[1].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalCount)
	assert.Equal(t, 1, f.events.count())
}

func TestVote_WithoutPublisher(t *testing.T) {
	store := repository.NewMemoryRepository()
	votes := NewVoteService(store, nil, config.VoteConfig{MaxRetries: 1}, 0, zap.NewNop())
	polls := NewPollService(store, 0)
	ctx := context.Background()

	poll, err := polls.Create(ctx, "Console?", []string{"PS5", "Xbox"})
	require.NoError(t, err)
	got, err := votes.Vote(ctx, poll.ID, "u1", poll.Options[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalCount)
}

func TestVote_InstancesWithSkewedClocksKeepUpdatedAtIncreasing(t *testing.T) {
	store := repository.NewMemoryRepository()
	ahead := newFixture(t, store, 5)
	behind := newFixture(t, store, 5)
	base := time.Now()
	ahead.votes.now = func() time.Time { return base.Add(time.Hour) }
	behind.votes.now = func() time.Time { return base }
	ctx := context.Background()

	poll, err := ahead.polls.Create(ctx, "Console?", []string{"PS5", "Xbox"})
	require.NoError(t, err)

	first, err := ahead.votes.Vote(ctx, poll.ID, "u1", poll.Options[0].ID)
	require.NoError(t, err)
	second, err := behind.votes.Vote(ctx, poll.ID, "u2", poll.Options[1].ID)
	require.NoError(t, err)

	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.Equal(t, 2, second.TotalCount)
	assert.Equal(t, []int{1, 1}, optionCounts(second))

	got, err := ahead.polls.Lookup(ctx, poll.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(second.UpdatedAt))
}
