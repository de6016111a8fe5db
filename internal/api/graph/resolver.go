package graph

import (
	"context"
	"errors"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/lvdashuaibi/livepoll/internal/api"
	"github.com/lvdashuaibi/livepoll/internal/auth"
	"github.com/lvdashuaibi/livepoll/internal/live"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/repository"
	"github.com/lvdashuaibi/livepoll/internal/service"
	"go.uber.org/zap"
)

// Resolver GraphQL根解析器
type Resolver struct {
	polls *service.PollService
	votes *service.VoteService
	hub   *live.Hub
	log   *zap.Logger
}

func NewResolver(polls *service.PollService, votes *service.VoteService, hub *live.Hub, log *zap.Logger) *Resolver {
	return &Resolver{
		polls: polls,
		votes: votes,
		hub:   hub,
		log:   log.With(zap.String("component", "graphql")),
	}
}

// resolverError 带错误类别扩展字段，客户端按 extensions.code 区分
type resolverError struct {
	kind api.Kind
	msg  string
}

func (e *resolverError) Error() string { return e.msg }

func (e *resolverError) Extensions() map[string]interface{} {
	return map[string]interface{}{"code": string(e.kind)}
}

func (r *Resolver) fail(op string, err error) error {
	kind, msg := api.Classify(err)
	if kind == api.KindInternal || kind == api.KindUnavailable {
		r.log.Error("GraphQL请求失败", zap.String("op", op), zap.Error(err))
	}
	return &resolverError{kind: kind, msg: msg}
}

func (r *Resolver) LatestPolls(ctx context.Context, args struct{ Limit *int32 }) ([]*PollResolver, error) {
	limit := 0
	if args.Limit != nil {
		limit = int(*args.Limit)
	}

	polls, err := r.polls.Latest(ctx, limit)
	if err != nil {
		return nil, r.fail("latestPolls", err)
	}

	resolvers := make([]*PollResolver, len(polls))
	for i, p := range polls {
		resolvers[i] = &PollResolver{poll: p}
	}
	return resolvers, nil
}

func (r *Resolver) Poll(ctx context.Context, args struct{ ID graphql.ID }) (*PollResolver, error) {
	poll, err := r.polls.Lookup(ctx, string(args.ID))
	if err != nil {
		return nil, r.fail("poll", err)
	}
	return &PollResolver{poll: poll}, nil
}

func (r *Resolver) MyVote(ctx context.Context, args struct{ PollID graphql.ID }) (*VoteResolver, error) {
	vote, err := r.votes.MyVote(ctx, string(args.PollID), auth.UserIDFromContext(ctx))
	if errors.Is(err, repository.ErrVoteNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, r.fail("myVote", err)
	}
	return &VoteResolver{vote: vote}, nil
}

func (r *Resolver) CreatePoll(ctx context.Context, args struct {
	Name    string
	Options []string
}) (*PollResolver, error) {
	poll, err := r.polls.Create(ctx, args.Name, args.Options)
	if err != nil {
		return nil, r.fail("createPoll", err)
	}
	return &PollResolver{poll: poll}, nil
}

func (r *Resolver) Vote(ctx context.Context, args struct {
	PollID   graphql.ID
	OptionID graphql.ID
}) (*PollResolver, error) {
	poll, err := r.votes.Vote(ctx, string(args.PollID), auth.UserIDFromContext(ctx), string(args.OptionID))
	if err != nil {
		return nil, r.fail("vote", err)
	}
	return &PollResolver{poll: poll}, nil
}

func (r *Resolver) RegisterPushTarget(ctx context.Context, args struct {
	PollID   graphql.ID
	DeviceID string
	Token    string
}) (bool, error) {
	if err := r.hub.RegisterPushTarget(ctx, string(args.PollID), args.DeviceID, args.Token); err != nil {
		return false, r.fail("registerPushTarget", err)
	}
	return true, nil
}

// PollResolver 投票快照
type PollResolver struct {
	poll *model.Poll
}

func (r *PollResolver) ID() graphql.ID { return graphql.ID(r.poll.ID) }

func (r *PollResolver) Name() string { return r.poll.Name }

func (r *PollResolver) Options() []*OptionResolver {
	options := make([]*OptionResolver, len(r.poll.Options))
	for i := range r.poll.Options {
		options[i] = &OptionResolver{option: r.poll.Options[i]}
	}
	return options
}

func (r *PollResolver) TotalCount() int32 { return int32(r.poll.TotalCount) }

func (r *PollResolver) CreatedAt() string { return formatTime(r.poll.CreatedAt) }

func (r *PollResolver) UpdatedAt() string { return formatTime(r.poll.UpdatedAt) }

func (r *PollResolver) LastUpdatedOptionID() *graphql.ID {
	if r.poll.LastUpdatedOptionID == "" {
		return nil
	}
	id := graphql.ID(r.poll.LastUpdatedOptionID)
	return &id
}

type OptionResolver struct {
	option model.Option
}

func (r *OptionResolver) ID() graphql.ID { return graphql.ID(r.option.ID) }

func (r *OptionResolver) Name() string { return r.option.Name }

func (r *OptionResolver) Count() int32 { return int32(r.option.Count) }

type VoteResolver struct {
	vote *model.Vote
}

func (r *VoteResolver) PollID() graphql.ID { return graphql.ID(r.vote.PollID) }

func (r *VoteResolver) OptionID() graphql.ID { return graphql.ID(r.vote.OptionID) }

func (r *VoteResolver) VotedAt() string { return formatTime(r.vote.VotedAt) }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
