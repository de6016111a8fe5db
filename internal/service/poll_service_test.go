package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// limitRecorder 记录传给 ListPolls 的 limit
type limitRecorder struct {
	repository.Store
	limit int
}

func (s *limitRecorder) ListPolls(ctx context.Context, limit int) ([]*model.Poll, error) {
	s.limit = limit
	return nil, nil
}

func TestCreate_OptionBounds(t *testing.T) {
	svc := NewPollService(repository.NewMemoryRepository(), time.Second)
	ctx := context.Background()

	tests := []struct {
		options []string
		wantErr bool
	}{
		{[]string{"only"}, true},
		{[]string{"a", "b", "c", "d"}, false},
		{[]string{"a", "b", "c", "d", "e"}, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d options", len(tt.options)), func(t *testing.T) {
			poll, err := svc.Create(ctx, "Question", tt.options)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Len(t, poll.Options, len(tt.options))
				return
			}
			var verr *model.ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestCreate_AssignsIDsAndTrims(t *testing.T) {
	svc := NewPollService(repository.NewMemoryRepository(), time.Second)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	poll, err := svc.Create(context.Background(), "  Console?  ", []string{" PS5 ", "Xbox"})
	require.NoError(t, err)

	assert.NotEmpty(t, poll.ID)
	assert.Equal(t, "Console?", poll.Name)
	assert.Equal(t, "PS5", poll.Options[0].Name)
	assert.NotEqual(t, poll.Options[0].ID, poll.Options[1].ID)
	assert.Equal(t, fixed, poll.CreatedAt)
	assert.Equal(t, fixed, poll.UpdatedAt)
	assert.Zero(t, poll.TotalCount)

	_, err = svc.Create(context.Background(), "   ", []string{"a", "b"})
	assert.EqualError(t, err, "投票名称不能为空")
}

func TestLookup(t *testing.T) {
	svc := NewPollService(repository.NewMemoryRepository(), time.Second)
	ctx := context.Background()

	_, err := svc.Lookup(ctx, "nonexistent-id")
	assert.ErrorIs(t, err, repository.ErrPollNotFound)

	_, err = svc.Lookup(ctx, "")
	var verr *model.ValidationError
	assert.True(t, errors.As(err, &verr))

	created, err := svc.Create(ctx, "Console?", []string{"PS5", "Xbox"})
	require.NoError(t, err)
	found, err := svc.Lookup(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, found.Name)
}

func TestLatest_ClampsLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultLatest},
		{-3, DefaultLatest},
		{5, 5},
		{1000, MaxLatest},
	}
	for _, tt := range tests {
		rec := &limitRecorder{}
		svc := NewPollService(rec, time.Second)
		_, err := svc.Latest(context.Background(), tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, rec.limit, "Latest(%d)", tt.in)
	}
}

func TestLatest_NewestFirst(t *testing.T) {
	store := repository.NewMemoryRepository()
	svc := NewPollService(store, time.Second)
	ctx := context.Background()

	base := time.Now()
	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		svc.now = func() time.Time { return at }
		p, err := svc.Create(ctx, fmt.Sprintf("Poll %d", i), []string{"a", "b"})
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}

	polls, err := svc.Latest(ctx, 2)
	require.NoError(t, err)
	require.Len(t, polls, 2)
	assert.Equal(t, ids[2], polls[0].ID)
	assert.Equal(t, ids[1], polls[1].ID)
}
