package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"go.uber.org/zap"
)

const (
	// Redis键前缀
	PollKey         = "poll:"
	PollsByUpdated  = "polls:by_updated"
	votesSuffix     = ":votes"
	votedAtSuffix   = ":voted_at"
	pushSuffix      = ":push"
	changedSuffix   = ":changed"
	countFieldPrefix = "count:"

	// 不存在时创建投票，ARGV[1]=pollID ARGV[2]=score ARGV[3..]=field/value
	CreatePollScript = `
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		for i = 3, #ARGV, 2 do
			redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
		end
		redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
		return 1
	`

	// 原子提交投票：校验旧选项，按选项ID增减计数（不低于0），写入投票记录，返回提交后的快照
	// updatedAt 不早于上次更新加1微秒
	// KEYS: poll, votes, voted_at, polls:by_updated
	// ARGV: pollID, userID, prior, optionID, totalDelta, votedAt, n, [optionID, delta]*n
	CommitVoteScript = `
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return {-1, "poll"}
		end
		if redis.call('HEXISTS', KEYS[1], 'count:' .. ARGV[4]) == 0 then
			return {-1, "option"}
		end

		local current = redis.call('HGET', KEYS[2], ARGV[2])
		if not current then
			current = ''
		end
		if current ~= ARGV[3] then
			return {-1, "conflict"}
		end

		local n = tonumber(ARGV[7])
		for i = 0, n - 1 do
			if redis.call('HEXISTS', KEYS[1], 'count:' .. ARGV[8 + i * 2]) == 0 then
				return {-1, "option"}
			end
		end

		for i = 0, n - 1 do
			local field = 'count:' .. ARGV[8 + i * 2]
			local after = redis.call('HINCRBY', KEYS[1], field, tonumber(ARGV[9 + i * 2]))
			if after < 0 then
				redis.call('HSET', KEYS[1], field, 0)
			end
		end

		local total = redis.call('HINCRBY', KEYS[1], 'totalCount', tonumber(ARGV[5]))
		if total < 0 then
			redis.call('HSET', KEYS[1], 'totalCount', 0)
		end

		local prev = redis.call('HGET', KEYS[1], 'updatedAt')
		if prev and tonumber(prev) >= tonumber(ARGV[6]) then
			redis.call('HINCRBY', KEYS[1], 'updatedAt', 1)
		else
			redis.call('HSET', KEYS[1], 'updatedAt', ARGV[6])
		end
		local updatedAt = redis.call('HGET', KEYS[1], 'updatedAt')

		redis.call('HSET', KEYS[1], 'lastUpdatedOptionId', ARGV[4])
		redis.call('HSET', KEYS[2], ARGV[2], ARGV[4])
		redis.call('HSET', KEYS[3], ARGV[2], ARGV[6])
		redis.call('ZADD', KEYS[4], updatedAt, ARGV[1])
		return {0, updatedAt, redis.call('HGETALL', KEYS[1])}
	`
)

type storedOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type RedisRepository struct {
	client       *redis.Client
	log          *zap.Logger
	mu           sync.RWMutex
	scriptHashes map[string]string // 存储脚本SHA1哈希值
}

func NewRedisRepository(cfg config.RedisConfig, log *zap.Logger) (*RedisRepository, error) {
	ctx := context.Background()

	// 创建Redis客户端（普通客户端，用于数据存储）
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", errors.Join(ErrUnavailable, err))
	}

	repo := &RedisRepository{
		client:       client,
		log:          log,
		scriptHashes: make(map[string]string),
	}

	// 预加载Lua脚本
	if err := repo.preloadScripts(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts(ctx context.Context) error {
	scripts := map[string]string{
		"createPoll": CreatePollScript,
		"commitVote": CommitVoteScript,
	}

	for name, src := range scripts {
		sha1, err := r.client.ScriptLoad(ctx, src).Result()
		if err != nil {
			return fmt.Errorf("加载脚本 %s 失败: %w", name, err)
		}
		r.mu.Lock()
		r.scriptHashes[name] = sha1
		r.mu.Unlock()
	}

	return nil
}

// evalScript 使用EVALSHA执行预加载脚本，脚本被清除时重新加载后再试一次
func (r *RedisRepository) evalScript(ctx context.Context, name, src string, keys []string, args ...interface{}) (interface{}, error) {
	r.mu.RLock()
	sha1, ok := r.scriptHashes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("脚本 %s 未预加载", name)
	}

	result, err := r.client.EvalSha(ctx, sha1, keys, args...).Result()
	if err == nil || !strings.HasPrefix(err.Error(), "NOSCRIPT") {
		return result, err
	}

	sha1, err = r.client.ScriptLoad(ctx, src).Result()
	if err != nil {
		return nil, fmt.Errorf("重新加载脚本 %s 失败: %w", name, err)
	}
	r.mu.Lock()
	r.scriptHashes[name] = sha1
	r.mu.Unlock()

	return r.client.EvalSha(ctx, sha1, keys, args...).Result()
}

func pollKey(id string) string { return PollKey + id }

func changedChannel(id string) string { return PollKey + id + changedSuffix }

// CreatePoll 创建投票
func (r *RedisRepository) CreatePoll(ctx context.Context, poll *model.Poll) (string, error) {
	const op = "repository.redis.CreatePoll"

	if err := poll.Validate(); err != nil {
		return "", err
	}

	options := make([]storedOption, len(poll.Options))
	for i, o := range poll.Options {
		options[i] = storedOption{ID: o.ID, Name: o.Name}
	}
	data, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("%s: 序列化选项失败: %w", op, err)
	}

	updatedAt := strconv.FormatInt(poll.UpdatedAt.UnixMicro(), 10)
	args := []interface{}{
		poll.ID, updatedAt,
		"name", poll.Name,
		"options", string(data),
		"totalCount", poll.TotalCount,
		"createdAt", strconv.FormatInt(poll.CreatedAt.UnixMicro(), 10),
		"updatedAt", updatedAt,
		"lastUpdatedOptionId", poll.LastUpdatedOptionID,
	}
	for _, o := range poll.Options {
		args = append(args, countFieldPrefix+o.ID, o.Count)
	}

	res, err := r.evalScript(ctx, "createPoll", CreatePollScript, []string{pollKey(poll.ID), PollsByUpdated}, args...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, redisErr(err))
	}
	if created, _ := res.(int64); created == 0 {
		return "", fmt.Errorf("%s: %w: %s", op, ErrPollExists, poll.ID)
	}

	return poll.ID, nil
}

// GetPoll 获取投票快照
func (r *RedisRepository) GetPoll(ctx context.Context, id string) (*model.Poll, error) {
	const op = "repository.redis.GetPoll"

	data, err := r.client.HGetAll(ctx, pollKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, redisErr(err))
	}
	if len(data) == 0 {
		return nil, ErrPollNotFound
	}

	poll, err := decodePoll(id, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return poll, nil
}

// decodePoll 从哈希字段还原投票，选项顺序以 options 字段为准
func decodePoll(id string, data map[string]string) (*model.Poll, error) {
	var options []storedOption
	if err := json.Unmarshal([]byte(data["options"]), &options); err != nil {
		return nil, fmt.Errorf("解析选项失败: %w", err)
	}

	poll := &model.Poll{
		ID:                  id,
		Name:                data["name"],
		Options:             make([]model.Option, len(options)),
		LastUpdatedOptionID: data["lastUpdatedOptionId"],
	}

	for i, o := range options {
		count, _ := strconv.Atoi(data[countFieldPrefix+o.ID])
		poll.Options[i] = model.Option{ID: o.ID, Name: o.Name, Count: count}
	}

	var err error
	if poll.TotalCount, err = strconv.Atoi(data["totalCount"]); err != nil {
		return nil, fmt.Errorf("解析总票数失败: %w", err)
	}
	createdAt, err := strconv.ParseInt(data["createdAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("解析创建时间失败: %w", err)
	}
	updatedAt, err := strconv.ParseInt(data["updatedAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("解析更新时间失败: %w", err)
	}
	poll.CreatedAt = time.UnixMicro(createdAt)
	poll.UpdatedAt = time.UnixMicro(updatedAt)

	return poll, nil
}

// ListPolls 按更新时间倒序获取投票
func (r *RedisRepository) ListPolls(ctx context.Context, limit int) ([]*model.Poll, error) {
	const op = "repository.redis.ListPolls"

	ids, err := r.client.ZRevRange(ctx, PollsByUpdated, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, redisErr(err))
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, pollKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", op, redisErr(err))
		}
	}

	polls := make([]*model.Poll, 0, len(ids))
	for i, cmd := range cmds {
		data := cmd.Val()
		if len(data) == 0 {
			continue
		}
		poll, err := decodePoll(ids[i], data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		polls = append(polls, poll)
	}
	return polls, nil
}

// GetVote 获取用户投票
func (r *RedisRepository) GetVote(ctx context.Context, pollID, userID string) (*model.Vote, error) {
	const op = "repository.redis.GetVote"

	key := pollKey(pollID)
	pipe := r.client.Pipeline()
	optCmd := pipe.HGet(ctx, key+votesSuffix, userID)
	atCmd := pipe.HGet(ctx, key+votedAtSuffix, userID)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%s: %w", op, redisErr(err))
	}

	optionID, err := optCmd.Result()
	if err == redis.Nil {
		return nil, ErrVoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, redisErr(err))
	}

	vote := &model.Vote{PollID: pollID, UserID: userID, OptionID: optionID}
	if micros, err := atCmd.Int64(); err == nil {
		vote.VotedAt = time.UnixMicro(micros)
	}
	return vote, nil
}

// CommitVote 通过Lua脚本原子提交投票，并发布变更通知
// 脚本执行成功即已持久化，之后的通知失败只记录日志
func (r *RedisRepository) CommitVote(ctx context.Context, change model.VoteChange) (*model.Poll, error) {
	const op = "repository.redis.CommitVote"

	key := pollKey(change.PollID)
	keys := []string{key, key + votesSuffix, key + votedAtSuffix, PollsByUpdated}
	args := []interface{}{
		change.PollID,
		change.UserID,
		change.PriorOptionID,
		change.OptionID,
		change.TotalDelta,
		strconv.FormatInt(change.VotedAt.UnixMicro(), 10),
		len(change.OptionDeltas),
	}
	for _, d := range change.OptionDeltas {
		args = append(args, d.OptionID, d.Delta)
	}

	result, err := r.evalScript(ctx, "commitVote", CommitVoteScript, keys, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, redisErr(err))
	}

	// 解析结果
	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) < 2 {
		return nil, fmt.Errorf("%s: LUA脚本返回格式错误", op)
	}
	status, _ := resultSlice[0].(int64)
	if status != 0 {
		reason, _ := resultSlice[1].(string)
		switch reason {
		case "poll":
			return nil, ErrPollNotFound
		case "option":
			return nil, ErrOptionNotFound
		case "conflict":
			return nil, ErrConflict
		default:
			return nil, fmt.Errorf("%s: %s", op, reason)
		}
	}

	if len(resultSlice) < 3 {
		return nil, fmt.Errorf("%s: LUA脚本返回格式错误", op)
	}
	updatedAt, _ := resultSlice[1].(string)
	poll, err := decodeSnapshot(change.PollID, resultSlice[2])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// 通知只携带更新时间，订阅方重新读取快照
	if err := r.client.Publish(ctx, changedChannel(change.PollID), updatedAt).Err(); err != nil {
		r.log.Warn("发布变更通知失败",
			zap.String("poll_id", change.PollID),
			zap.String("user_id", change.UserID),
			zap.Error(err))
	}

	return poll, nil
}

// decodeSnapshot 解析脚本返回的 HGETALL 结果
func decodeSnapshot(id string, raw interface{}) (*model.Poll, error) {
	pairs, ok := raw.([]interface{})
	if !ok || len(pairs)%2 != 0 {
		return nil, fmt.Errorf("快照格式错误")
	}
	data := make(map[string]string, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		field, _ := pairs[i].(string)
		value, _ := pairs[i+1].(string)
		data[field] = value
	}
	return decodePoll(id, data)
}

// Watch 订阅变更频道，收到通知后读取最新快照
func (r *RedisRepository) Watch(ctx context.Context, pollID string) (<-chan *model.Poll, error) {
	const op = "repository.redis.Watch"

	pubsub := r.client.Subscribe(ctx, changedChannel(pollID))
	// 等待订阅确认，之后的提交都不会漏掉
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%s: %w", op, redisErr(err))
	}

	current, err := r.GetPoll(ctx, pollID)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan *model.Poll, 1)
	out <- current

	go func() {
		defer close(out)
		defer pubsub.Close()

		last := current.UpdatedAt
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				poll, err := r.GetPoll(ctx, pollID)
				if err != nil {
					continue
				}
				if !poll.UpdatedAt.After(last) {
					continue
				}
				last = poll.UpdatedAt
				offerLatest(out, poll)
			}
		}
	}()

	return out, nil
}

// SavePushTarget 写入推送目标
func (r *RedisRepository) SavePushTarget(ctx context.Context, target model.PushTarget) error {
	const op = "repository.redis.SavePushTarget"

	exists, err := r.client.Exists(ctx, pollKey(target.PollID)).Result()
	if err != nil {
		return fmt.Errorf("%s: %w", op, redisErr(err))
	}
	if exists == 0 {
		return ErrPollNotFound
	}

	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("%s: 序列化推送目标失败: %w", op, err)
	}
	if err := r.client.HSet(ctx, pollKey(target.PollID)+pushSuffix, target.DeviceID, data).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, redisErr(err))
	}
	return nil
}

// ListPushTargets 获取投票的推送目标，按设备ID排序
func (r *RedisRepository) ListPushTargets(ctx context.Context, pollID string) ([]model.PushTarget, error) {
	const op = "repository.redis.ListPushTargets"

	data, err := r.client.HGetAll(ctx, pollKey(pollID)+pushSuffix).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, redisErr(err))
	}

	targets := make([]model.PushTarget, 0, len(data))
	for _, raw := range data {
		var t model.PushTarget
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("%s: 解析推送目标失败: %w", op, err)
		}
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].DeviceID < targets[j].DeviceID })
	return targets, nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

// redisErr 网络和超时错误归为存储不可用
func redisErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}
