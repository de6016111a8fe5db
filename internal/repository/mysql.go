package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"go.uber.org/zap"
)

// MySQL错误码
const (
	errDuplicateEntry  = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

const (
	insertPollSQL = "INSERT INTO polls (id, name, total_count, last_updated_option_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)"
	insertOptSQL  = "INSERT INTO poll_options (poll_id, option_id, position, name, count) VALUES (?, ?, ?, ?, ?)"
	selectPollSQL = "SELECT id, name, total_count, last_updated_option_id, created_at, updated_at FROM polls WHERE id = ?"
	selectOptsSQL = "SELECT poll_id, option_id, name, count FROM poll_options WHERE poll_id = ? ORDER BY position"
	listPollsSQL  = "SELECT id, name, total_count, last_updated_option_id, created_at, updated_at FROM polls ORDER BY updated_at DESC, id ASC LIMIT ?"
	listOptsSQL   = "SELECT poll_id, option_id, name, count FROM poll_options WHERE poll_id IN (%s) ORDER BY poll_id, position"
	optionIDsSQL  = "SELECT option_id FROM poll_options WHERE poll_id = ?"
	pollExistsSQL = "SELECT COUNT(*) FROM polls WHERE id = ?"
	selectVoteSQL = "SELECT option_id, voted_at FROM votes WHERE poll_id = ? AND user_id = ?"
	lockVoteSQL   = "SELECT option_id FROM votes WHERE poll_id = ? AND user_id = ? FOR UPDATE"
	lockPollSQL   = "SELECT updated_at FROM polls WHERE id = ? FOR UPDATE"
	addOptionSQL  = "UPDATE poll_options SET count = GREATEST(count + ?, 0) WHERE poll_id = ? AND option_id = ?"
	addTotalSQL   = "UPDATE polls SET total_count = GREATEST(total_count + ?, 0), updated_at = ?, last_updated_option_id = ? WHERE id = ?"
	insertVoteSQL = "INSERT INTO votes (poll_id, user_id, option_id, voted_at) VALUES (?, ?, ?, ?)"
	updateVoteSQL = "UPDATE votes SET option_id = ?, voted_at = ? WHERE poll_id = ? AND user_id = ?"
	updatedAtSQL  = "SELECT updated_at FROM polls WHERE id = ?"
	upsertPushSQL = "INSERT INTO push_targets (poll_id, device_id, token, updated_at) VALUES (?, ?, ?, ?) ON DUPLICATE KEY UPDATE token = VALUES(token), updated_at = VALUES(updated_at)"
	listPushSQL   = "SELECT poll_id, device_id, token, updated_at FROM push_targets WHERE poll_id = ? ORDER BY device_id"
)

// querier 同时满足 *sql.DB 和 *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type MySQLRepository struct {
	masterDB    *sql.DB
	slaveDB     *sql.DB
	watchPeriod time.Duration
	log         *zap.Logger
}

func NewMySQLRepository(cfg config.MySQLConfig, log *zap.Logger) (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", cfg.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(cfg.MaxOpenConns)
	masterDB.SetMaxIdleConns(cfg.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		masterDB.Close()
		return nil, fmt.Errorf("主数据库连接测试失败: %w", errors.Join(ErrUnavailable, err))
	}

	slaveDB := masterDB
	if cfg.Slave != "" {
		slaveDB, err = sql.Open("mysql", cfg.Slave)
		if err != nil {
			masterDB.Close()
			return nil, fmt.Errorf("连接从数据库失败: %w", err)
		}

		slaveDB.SetMaxOpenConns(cfg.MaxOpenConns)
		slaveDB.SetMaxIdleConns(cfg.MaxIdleConns)
		slaveDB.SetConnMaxLifetime(time.Hour)

		if err = slaveDB.Ping(); err != nil {
			log.Warn("从数据库连接测试失败，将使用主数据库代替", zap.Error(err))
			slaveDB.Close()
			slaveDB = masterDB
		}
	}

	return NewMySQLRepositoryFromDB(masterDB, slaveDB, cfg.WatchPeriod, log), nil
}

// NewMySQLRepositoryFromDB 使用已建立的连接池
func NewMySQLRepositoryFromDB(masterDB, slaveDB *sql.DB, watchPeriod time.Duration, log *zap.Logger) *MySQLRepository {
	if watchPeriod <= 0 {
		watchPeriod = time.Second
	}
	return &MySQLRepository{
		masterDB:    masterDB,
		slaveDB:     slaveDB,
		watchPeriod: watchPeriod,
		log:         log.With(zap.String("component", "mysql")),
	}
}

// CreatePoll 在一个事务内写入投票和选项
func (r *MySQLRepository) CreatePoll(ctx context.Context, poll *model.Poll) (string, error) {
	const op = "repository.mysql.CreatePoll"

	if err := poll.Validate(); err != nil {
		return "", err
	}

	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%s: 开始事务失败: %w", op, mysqlErr(err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, insertPollSQL,
		poll.ID, poll.Name, poll.TotalCount, poll.LastUpdatedOptionID, poll.CreatedAt, poll.UpdatedAt)
	if err != nil {
		if isMySQLError(err, errDuplicateEntry) {
			return "", fmt.Errorf("%s: %w: %s", op, ErrPollExists, poll.ID)
		}
		return "", fmt.Errorf("%s: 写入投票失败: %w", op, mysqlErr(err))
	}

	for i, o := range poll.Options {
		if _, err := tx.ExecContext(ctx, insertOptSQL, poll.ID, o.ID, i, o.Name, o.Count); err != nil {
			return "", fmt.Errorf("%s: 写入选项 %s 失败: %w", op, o.ID, mysqlErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%s: 提交事务失败: %w", op, mysqlErr(err))
	}
	return poll.ID, nil
}

// GetPoll 从从库读取投票快照
func (r *MySQLRepository) GetPoll(ctx context.Context, id string) (*model.Poll, error) {
	return r.getPoll(ctx, r.slaveDB, id)
}

func (r *MySQLRepository) getPoll(ctx context.Context, q querier, id string) (*model.Poll, error) {
	const op = "repository.mysql.GetPoll"

	var poll model.Poll
	err := q.QueryRowContext(ctx, selectPollSQL, id).Scan(
		&poll.ID, &poll.Name, &poll.TotalCount, &poll.LastUpdatedOptionID, &poll.CreatedAt, &poll.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPollNotFound
		}
		return nil, fmt.Errorf("%s: 查询投票失败: %w", op, mysqlErr(err))
	}

	rows, err := q.QueryContext(ctx, selectOptsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("%s: 查询选项失败: %w", op, mysqlErr(err))
	}
	defer rows.Close()

	for rows.Next() {
		var pollID string
		var o model.Option
		if err := rows.Scan(&pollID, &o.ID, &o.Name, &o.Count); err != nil {
			return nil, fmt.Errorf("%s: 扫描选项失败: %w", op, err)
		}
		poll.Options = append(poll.Options, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: 迭代选项失败: %w", op, mysqlErr(err))
	}

	return &poll, nil
}

// ListPolls 按更新时间倒序获取投票，选项一次查询取回
func (r *MySQLRepository) ListPolls(ctx context.Context, limit int) ([]*model.Poll, error) {
	const op = "repository.mysql.ListPolls"

	rows, err := r.slaveDB.QueryContext(ctx, listPollsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: 查询投票列表失败: %w", op, mysqlErr(err))
	}

	var polls []*model.Poll
	byID := make(map[string]*model.Poll)
	for rows.Next() {
		var p model.Poll
		if err := rows.Scan(&p.ID, &p.Name, &p.TotalCount, &p.LastUpdatedOptionID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s: 扫描投票失败: %w", op, err)
		}
		polls = append(polls, &p)
		byID[p.ID] = &p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: 迭代投票失败: %w", op, mysqlErr(err))
	}
	if len(polls) == 0 {
		return polls, nil
	}

	args := make([]interface{}, len(polls))
	for i, p := range polls {
		args[i] = p.ID
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(polls)), ",")

	optRows, err := r.slaveDB.QueryContext(ctx, fmt.Sprintf(listOptsSQL, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: 查询选项失败: %w", op, mysqlErr(err))
	}
	defer optRows.Close()

	for optRows.Next() {
		var pollID string
		var o model.Option
		if err := optRows.Scan(&pollID, &o.ID, &o.Name, &o.Count); err != nil {
			return nil, fmt.Errorf("%s: 扫描选项失败: %w", op, err)
		}
		if p, ok := byID[pollID]; ok {
			p.Options = append(p.Options, o)
		}
	}
	if err := optRows.Err(); err != nil {
		return nil, fmt.Errorf("%s: 迭代选项失败: %w", op, mysqlErr(err))
	}

	return polls, nil
}

// GetVote 从主库读取用户投票，投票协调器据此计算增量，不能读到从库的旧值
func (r *MySQLRepository) GetVote(ctx context.Context, pollID, userID string) (*model.Vote, error) {
	const op = "repository.mysql.GetVote"

	vote := model.Vote{PollID: pollID, UserID: userID}
	err := r.masterDB.QueryRowContext(ctx, selectVoteSQL, pollID, userID).Scan(&vote.OptionID, &vote.VotedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVoteNotFound
		}
		return nil, fmt.Errorf("%s: 查询投票记录失败: %w", op, mysqlErr(err))
	}
	return &vote, nil
}

// CommitVote 锁定用户投票行，校验旧选项后在同一事务内更新计数和投票记录
func (r *MySQLRepository) CommitVote(ctx context.Context, change model.VoteChange) (*model.Poll, error) {
	const op = "repository.mysql.CommitVote"

	// READ COMMITTED 下对不存在的行加锁不会产生间隙锁，不同用户的首次投票互不阻塞
	tx, err := r.masterDB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("%s: 开始事务失败: %w", op, mysqlErr(err))
	}
	defer tx.Rollback()

	options, err := r.optionIDs(ctx, tx, change.PollID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !options[change.OptionID] {
		return nil, ErrOptionNotFound
	}
	for _, d := range change.OptionDeltas {
		if !options[d.OptionID] {
			return nil, ErrOptionNotFound
		}
	}

	var current string
	err = tx.QueryRowContext(ctx, lockVoteSQL, change.PollID, change.UserID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: 锁定投票记录失败: %w", op, mysqlErr(err))
	}
	if current != change.PriorOptionID {
		return nil, ErrConflict
	}

	// 锁定投票行后确定更新时间，保证按提交顺序递增
	var prevUpdatedAt time.Time
	if err := tx.QueryRowContext(ctx, lockPollSQL, change.PollID).Scan(&prevUpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPollNotFound
		}
		return nil, fmt.Errorf("%s: 锁定投票失败: %w", op, mysqlErr(err))
	}
	updatedAt := nextUpdatedAt(prevUpdatedAt, change.VotedAt)

	for _, d := range change.OptionDeltas {
		if _, err := tx.ExecContext(ctx, addOptionSQL, d.Delta, change.PollID, d.OptionID); err != nil {
			return nil, fmt.Errorf("%s: 更新选项 %s 票数失败: %w", op, d.OptionID, mysqlErr(err))
		}
	}

	if _, err := tx.ExecContext(ctx, addTotalSQL, change.TotalDelta, updatedAt, change.OptionID, change.PollID); err != nil {
		return nil, fmt.Errorf("%s: 更新总票数失败: %w", op, mysqlErr(err))
	}

	if change.PriorOptionID == "" {
		_, err = tx.ExecContext(ctx, insertVoteSQL, change.PollID, change.UserID, change.OptionID, change.VotedAt)
	} else {
		_, err = tx.ExecContext(ctx, updateVoteSQL, change.OptionID, change.VotedAt, change.PollID, change.UserID)
	}
	if err != nil {
		// 并发的首次投票会在主键上冲突
		if isMySQLError(err, errDuplicateEntry) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("%s: 写入投票记录失败: %w", op, mysqlErr(err))
	}

	// 在事务内读取快照，提交成功后不再有失败路径
	poll, err := r.getPoll(ctx, tx, change.PollID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: 提交事务失败: %w", op, mysqlErr(err))
	}
	return poll, nil
}

// optionIDs 读取投票的选项ID集合，投票不存在时返回 ErrPollNotFound
func (r *MySQLRepository) optionIDs(ctx context.Context, tx *sql.Tx, pollID string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, optionIDsSQL, pollID)
	if err != nil {
		return nil, fmt.Errorf("查询选项失败: %w", mysqlErr(err))
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("扫描选项失败: %w", err)
		}
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代选项失败: %w", mysqlErr(err))
	}

	// 每个投票至少有两个选项，空集合说明投票不存在
	if len(ids) == 0 {
		return nil, ErrPollNotFound
	}
	return ids, nil
}

// Watch 按 watchPeriod 轮询 updated_at，发生变化时推送新快照
func (r *MySQLRepository) Watch(ctx context.Context, pollID string) (<-chan *model.Poll, error) {
	current, err := r.getPoll(ctx, r.masterDB, pollID)
	if err != nil {
		return nil, err
	}

	out := make(chan *model.Poll, 1)
	out <- current

	go func() {
		defer close(out)

		ticker := time.NewTicker(r.watchPeriod)
		defer ticker.Stop()

		last := current.UpdatedAt
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var updatedAt time.Time
				if err := r.masterDB.QueryRowContext(ctx, updatedAtSQL, pollID).Scan(&updatedAt); err != nil {
					if ctx.Err() == nil {
						r.log.Warn("轮询投票更新时间失败", zap.String("pollId", pollID), zap.Error(err))
					}
					continue
				}
				if !updatedAt.After(last) {
					continue
				}

				poll, err := r.getPoll(ctx, r.masterDB, pollID)
				if err != nil {
					continue
				}
				last = poll.UpdatedAt
				offerLatest(out, poll)
			}
		}
	}()

	return out, nil
}

// SavePushTarget 写入推送目标，同一设备覆盖旧值
func (r *MySQLRepository) SavePushTarget(ctx context.Context, target model.PushTarget) error {
	const op = "repository.mysql.SavePushTarget"

	var n int
	if err := r.masterDB.QueryRowContext(ctx, pollExistsSQL, target.PollID).Scan(&n); err != nil {
		return fmt.Errorf("%s: 查询投票失败: %w", op, mysqlErr(err))
	}
	if n == 0 {
		return ErrPollNotFound
	}

	if _, err := r.masterDB.ExecContext(ctx, upsertPushSQL,
		target.PollID, target.DeviceID, target.Token, target.UpdatedAt); err != nil {
		return fmt.Errorf("%s: 写入推送目标失败: %w", op, mysqlErr(err))
	}
	return nil
}

// ListPushTargets 获取投票的推送目标
func (r *MySQLRepository) ListPushTargets(ctx context.Context, pollID string) ([]model.PushTarget, error) {
	const op = "repository.mysql.ListPushTargets"

	rows, err := r.slaveDB.QueryContext(ctx, listPushSQL, pollID)
	if err != nil {
		return nil, fmt.Errorf("%s: 查询推送目标失败: %w", op, mysqlErr(err))
	}
	defer rows.Close()

	var targets []model.PushTarget
	for rows.Next() {
		var t model.PushTarget
		if err := rows.Scan(&t.PollID, &t.DeviceID, &t.Token, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%s: 扫描推送目标失败: %w", op, err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: 迭代推送目标失败: %w", op, mysqlErr(err))
	}
	return targets, nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() error {
	if r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
	return r.masterDB.Close()
}

// MasterDB 供迁移使用
func (r *MySQLRepository) MasterDB() *sql.DB {
	return r.masterDB
}

func isMySQLError(err error, number uint16) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == number
}

// mysqlErr 死锁和锁等待超时归为冲突，连接类错误归为存储不可用
func mysqlErr(err error) error {
	if isMySQLError(err, errDeadlock) || isMySQLError(err, errLockWaitTimeout) {
		return errors.Join(ErrConflict, err)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) ||
		errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}
