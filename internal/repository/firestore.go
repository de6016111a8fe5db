package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	votesCollection = "votes"
	pushCollection  = "pushTargets"
)

type optionDoc struct {
	ID   string `firestore:"id"`
	Name string `firestore:"name"`
}

// pollDoc 计数按选项ID存放在 counts 映射中
type pollDoc struct {
	Name                string         `firestore:"name"`
	Options             []optionDoc    `firestore:"options"`
	Counts              map[string]int `firestore:"counts"`
	TotalCount          int            `firestore:"totalCount"`
	CreatedAt           time.Time      `firestore:"createdAt"`
	UpdatedAt           time.Time      `firestore:"updatedAt"`
	LastUpdatedOptionID string         `firestore:"lastUpdatedOptionId"`
}

type voteDoc struct {
	OptionID string    `firestore:"optionId"`
	VotedAt  time.Time `firestore:"votedAt"`
}

type pushDoc struct {
	Token     string    `firestore:"token"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type FirestoreRepository struct {
	client     *firestore.Client
	collection string
	log        *zap.Logger
}

// NewFirestoreRepository 通过Firebase应用创建Firestore客户端，设置 FIRESTORE_EMULATOR_HOST 时连接模拟器
func NewFirestoreRepository(ctx context.Context, cfg config.FirestoreConfig, log *zap.Logger) (*FirestoreRepository, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("初始化Firebase应用失败: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("连接Firestore失败: %w", errors.Join(ErrUnavailable, err))
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "polls"
	}

	return &FirestoreRepository{
		client:     client,
		collection: collection,
		log:        log.With(zap.String("component", "firestore")),
	}, nil
}

func (r *FirestoreRepository) pollRef(id string) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(id)
}

// CreatePoll 创建投票文档，文档已存在时返回 ErrPollExists
func (r *FirestoreRepository) CreatePoll(ctx context.Context, poll *model.Poll) (string, error) {
	const op = "repository.firestore.CreatePoll"

	if err := poll.Validate(); err != nil {
		return "", err
	}

	doc := pollDoc{
		Name:                poll.Name,
		Options:             make([]optionDoc, len(poll.Options)),
		Counts:              make(map[string]int, len(poll.Options)),
		TotalCount:          poll.TotalCount,
		CreatedAt:           poll.CreatedAt,
		UpdatedAt:           poll.UpdatedAt,
		LastUpdatedOptionID: poll.LastUpdatedOptionID,
	}
	for i, o := range poll.Options {
		doc.Options[i] = optionDoc{ID: o.ID, Name: o.Name}
		doc.Counts[o.ID] = o.Count
	}

	if _, err := r.pollRef(poll.ID).Create(ctx, doc); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return "", fmt.Errorf("%s: %w: %s", op, ErrPollExists, poll.ID)
		}
		return "", fmt.Errorf("%s: %w", op, firestoreErr(err))
	}
	return poll.ID, nil
}

// GetPoll 获取投票快照
func (r *FirestoreRepository) GetPoll(ctx context.Context, id string) (*model.Poll, error) {
	const op = "repository.firestore.GetPoll"

	snap, err := r.pollRef(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrPollNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, firestoreErr(err))
	}

	poll, err := decodePollDoc(snap)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return poll, nil
}

func decodePollDoc(snap *firestore.DocumentSnapshot) (*model.Poll, error) {
	var doc pollDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("解析投票文档失败: %w", err)
	}
	return pollFromDoc(snap.Ref.ID, doc), nil
}

func pollFromDoc(id string, doc pollDoc) *model.Poll {
	poll := &model.Poll{
		ID:                  id,
		Name:                doc.Name,
		Options:             make([]model.Option, len(doc.Options)),
		TotalCount:          doc.TotalCount,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
		LastUpdatedOptionID: doc.LastUpdatedOptionID,
	}
	for i, o := range doc.Options {
		poll.Options[i] = model.Option{ID: o.ID, Name: o.Name, Count: doc.Counts[o.ID]}
	}
	return poll
}

// ListPolls 按更新时间倒序查询
func (r *FirestoreRepository) ListPolls(ctx context.Context, limit int) ([]*model.Poll, error) {
	const op = "repository.firestore.ListPolls"

	snaps, err := r.client.Collection(r.collection).
		OrderBy("updatedAt", firestore.Desc).
		Limit(limit).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, firestoreErr(err))
	}

	polls := make([]*model.Poll, 0, len(snaps))
	for _, snap := range snaps {
		poll, err := decodePollDoc(snap)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		polls = append(polls, poll)
	}
	return polls, nil
}

// GetVote 获取用户投票
func (r *FirestoreRepository) GetVote(ctx context.Context, pollID, userID string) (*model.Vote, error) {
	const op = "repository.firestore.GetVote"

	snap, err := r.pollRef(pollID).Collection(votesCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrVoteNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, firestoreErr(err))
	}

	var doc voteDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("%s: 解析投票记录失败: %w", op, err)
	}
	return &model.Vote{PollID: pollID, UserID: userID, OptionID: doc.OptionID, VotedAt: doc.VotedAt}, nil
}

// CommitVote 在Firestore事务内校验旧选项并原子增减计数
func (r *FirestoreRepository) CommitVote(ctx context.Context, change model.VoteChange) (*model.Poll, error) {
	const op = "repository.firestore.CommitVote"

	pollRef := r.pollRef(change.PollID)
	voteRef := pollRef.Collection(votesCollection).Doc(change.UserID)

	// 快照在事务内计算，事务重试时覆盖
	var committed *model.Poll
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		committed = nil
		snap, err := tx.Get(pollRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrPollNotFound
			}
			return err
		}
		var doc pollDoc
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("解析投票文档失败: %w", err)
		}

		if _, ok := doc.Counts[change.OptionID]; !ok {
			return ErrOptionNotFound
		}
		for _, d := range change.OptionDeltas {
			if _, ok := doc.Counts[d.OptionID]; !ok {
				return ErrOptionNotFound
			}
		}

		current := ""
		voteSnap, err := tx.Get(voteRef)
		switch {
		case err == nil:
			var vd voteDoc
			if err := voteSnap.DataTo(&vd); err != nil {
				return fmt.Errorf("解析投票记录失败: %w", err)
			}
			current = vd.OptionID
		case status.Code(err) != codes.NotFound:
			return err
		}
		if current != change.PriorOptionID {
			return ErrConflict
		}

		next := pollFromDoc(change.PollID, doc)
		if err := applyChange(next, change); err != nil {
			return err
		}

		updates := []firestore.Update{
			{Path: "updatedAt", Value: next.UpdatedAt},
			{Path: "lastUpdatedOptionId", Value: change.OptionID},
			counterUpdate(firestore.FieldPath{"totalCount"}, doc.TotalCount, change.TotalDelta),
		}
		for _, d := range change.OptionDeltas {
			updates = append(updates, counterUpdate(firestore.FieldPath{"counts", d.OptionID}, doc.Counts[d.OptionID], d.Delta))
		}

		if err := tx.Update(pollRef, updates); err != nil {
			return err
		}
		if err := tx.Set(voteRef, voteDoc{OptionID: change.OptionID, VotedAt: change.VotedAt}); err != nil {
			return err
		}
		committed = next
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPollNotFound) || errors.Is(err, ErrOptionNotFound) || errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, firestoreErr(err))
	}
	return committed, nil
}

// counterUpdate 结果不小于0时用原子加，否则直接置0
func counterUpdate(path firestore.FieldPath, current, delta int) firestore.Update {
	if current+delta < 0 {
		return firestore.Update{FieldPath: path, Value: 0}
	}
	return firestore.Update{FieldPath: path, Value: firestore.Increment(delta)}
}

// Watch 监听投票文档快照
func (r *FirestoreRepository) Watch(ctx context.Context, pollID string) (<-chan *model.Poll, error) {
	current, err := r.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}

	out := make(chan *model.Poll, 1)
	out <- current

	go func() {
		defer close(out)

		it := r.pollRef(pollID).Snapshots(ctx)
		defer it.Stop()

		last := current.UpdatedAt
		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() == nil && status.Code(err) != codes.Canceled {
					r.log.Warn("监听投票文档失败", zap.String("pollId", pollID), zap.Error(err))
				}
				return
			}
			if !snap.Exists() {
				continue
			}

			poll, err := decodePollDoc(snap)
			if err != nil {
				r.log.Warn("解析投票快照失败", zap.String("pollId", pollID), zap.Error(err))
				continue
			}
			if !poll.UpdatedAt.After(last) {
				continue
			}
			last = poll.UpdatedAt
			offerLatest(out, poll)
		}
	}()

	return out, nil
}

// SavePushTarget 写入推送目标子文档
func (r *FirestoreRepository) SavePushTarget(ctx context.Context, target model.PushTarget) error {
	const op = "repository.firestore.SavePushTarget"

	pollRef := r.pollRef(target.PollID)
	if _, err := pollRef.Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrPollNotFound
		}
		return fmt.Errorf("%s: %w", op, firestoreErr(err))
	}

	_, err := pollRef.Collection(pushCollection).Doc(target.DeviceID).
		Set(ctx, pushDoc{Token: target.Token, UpdatedAt: target.UpdatedAt})
	if err != nil {
		return fmt.Errorf("%s: %w", op, firestoreErr(err))
	}
	return nil
}

// ListPushTargets 按设备ID排序返回推送目标
func (r *FirestoreRepository) ListPushTargets(ctx context.Context, pollID string) ([]model.PushTarget, error) {
	const op = "repository.firestore.ListPushTargets"

	iter := r.pollRef(pollID).Collection(pushCollection).OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var targets []model.PushTarget
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, firestoreErr(err))
		}

		var doc pushDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("%s: 解析推送目标失败: %w", op, err)
		}
		targets = append(targets, model.PushTarget{
			PollID:    pollID,
			DeviceID:  snap.Ref.ID,
			Token:     doc.Token,
			UpdatedAt: doc.UpdatedAt,
		})
	}
	return targets, nil
}

func (r *FirestoreRepository) Close() error {
	return r.client.Close()
}

// firestoreErr 按gRPC状态码归类
func firestoreErr(err error) error {
	switch status.Code(err) {
	case codes.Aborted:
		return errors.Join(ErrConflict, err)
	case codes.Unavailable, codes.DeadlineExceeded:
		return errors.Join(ErrUnavailable, err)
	}
	return err
}
