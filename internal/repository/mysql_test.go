package repository

import (
	"context"
	"database/sql/driver"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockMySQL(t *testing.T) (*MySQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewMySQLRepositoryFromDB(db, db, 10*time.Millisecond, zap.NewNop()), mock
}

func q(sql string) string { return regexp.QuoteMeta(sql) }

// at 按 time.Equal 匹配时间参数
type at time.Time

func (a at) Match(v driver.Value) bool {
	t, ok := v.(time.Time)
	return ok && t.Equal(time.Time(a))
}

func updatedAtRow(t time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"updated_at"}).AddRow(t)
}

func optionRows(ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"option_id"})
	for _, id := range ids {
		rows.AddRow(id)
	}
	return rows
}

func expectPollRead(mock sqlmock.Sqlmock, id string, total int, updatedAt time.Time, counts ...int) {
	mock.ExpectQuery(q(selectPollSQL)).WithArgs(id).WillReturnRows(
		sqlmock.NewRows([]string{"id", "name", "total_count", "last_updated_option_id", "created_at", "updated_at"}).
			AddRow(id, "Console?", total, "a", updatedAt, updatedAt))

	rows := sqlmock.NewRows([]string{"poll_id", "option_id", "name", "count"})
	for i, c := range counts {
		optID := string(rune('a' + i))
		rows.AddRow(id, optID, "opt "+optID, c)
	}
	mock.ExpectQuery(q(selectOptsSQL)).WithArgs(id).WillReturnRows(rows)
}

func TestMySQLRepository_GetPollNotFound(t *testing.T) {
	repo, mock := newMockMySQL(t)
	mock.ExpectQuery(q(selectPollSQL)).WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "total_count", "last_updated_option_id", "created_at", "updated_at"}))

	_, err := repo.GetPoll(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrPollNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRepository_CreatePoll(t *testing.T) {
	repo, mock := newMockMySQL(t)
	now := time.Now()
	poll := &model.Poll{
		ID:        "p1",
		Name:      " Console? ",
		Options:   []model.Option{{ID: "a", Name: "PS5"}, {ID: "b", Name: "Switch"}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(q(insertPollSQL)).WithArgs("p1", "Console?", 0, "", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(insertOptSQL)).WithArgs("p1", "a", 0, "PS5", 0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(insertOptSQL)).WithArgs("p1", "b", 1, "Switch", 0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := repo.CreatePoll(context.Background(), poll)
	require.NoError(t, err)
	assert.Equal(t, "p1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRepository_CreatePollDuplicate(t *testing.T) {
	repo, mock := newMockMySQL(t)
	poll := &model.Poll{ID: "p1", Name: "Console?", Options: []model.Option{{ID: "a", Name: "PS5"}, {ID: "b", Name: "Switch"}}}

	mock.ExpectBegin()
	mock.ExpectExec(q(insertPollSQL)).WillReturnError(&mysql.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry"})
	mock.ExpectRollback()

	_, err := repo.CreatePoll(context.Background(), poll)
	assert.ErrorIs(t, err, ErrPollExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRepository_CommitFirstVote(t *testing.T) {
	repo, mock := newMockMySQL(t)
	votedAt := time.Now().Truncate(time.Microsecond)

	mock.ExpectBegin()
	mock.ExpectQuery(q(optionIDsSQL)).WithArgs("p1").WillReturnRows(optionRows("a", "b"))
	mock.ExpectQuery(q(lockVoteSQL)).WithArgs("p1", "u1").WillReturnRows(sqlmock.NewRows([]string{"option_id"}))
	mock.ExpectQuery(q(lockPollSQL)).WithArgs("p1").WillReturnRows(updatedAtRow(votedAt.Add(-time.Minute)))
	mock.ExpectExec(q(addOptionSQL)).WithArgs(1, "p1", "a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(addTotalSQL)).WithArgs(1, at(votedAt), "a", "p1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(insertVoteSQL)).WithArgs("p1", "u1", "a", votedAt).WillReturnResult(sqlmock.NewResult(0, 1))
	expectPollRead(mock, "p1", 1, votedAt, 1, 0)
	mock.ExpectCommit()

	change := firstVote("p1", "u1", "a")
	change.VotedAt = votedAt
	poll, err := repo.CommitVote(context.Background(), change)
	require.NoError(t, err)
	assert.Equal(t, 1, poll.TotalCount)
	assert.Equal(t, map[string]int{"a": 1, "b": 0}, counts(poll))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRepository_CommitMoveUpdatesVote(t *testing.T) {
	repo, mock := newMockMySQL(t)
	votedAt := time.Now().Truncate(time.Microsecond)

	mock.ExpectBegin()
	mock.ExpectQuery(q(optionIDsSQL)).WithArgs("p1").WillReturnRows(optionRows("a", "b"))
	mock.ExpectQuery(q(lockVoteSQL)).WithArgs("p1", "u1").WillReturnRows(optionRows("a"))
	mock.ExpectQuery(q(lockPollSQL)).WithArgs("p1").WillReturnRows(updatedAtRow(votedAt.Add(-time.Minute)))
	mock.ExpectExec(q(addOptionSQL)).WithArgs(-1, "p1", "a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(addOptionSQL)).WithArgs(1, "p1", "b").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(addTotalSQL)).WithArgs(0, at(votedAt), "b", "p1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(updateVoteSQL)).WithArgs("b", votedAt, "p1", "u1").WillReturnResult(sqlmock.NewResult(0, 1))
	expectPollRead(mock, "p1", 1, votedAt, 0, 1)
	mock.ExpectCommit()

	change := moveVote("p1", "u1", "a", "b")
	change.VotedAt = votedAt
	poll, err := repo.CommitVote(context.Background(), change)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 0, "b": 1}, counts(poll))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRepository_CommitWithEarlierClockStillAdvancesUpdatedAt(t *testing.T) {
	repo, mock := newMockMySQL(t)
	stored := time.Now().Truncate(time.Microsecond)
	// 另一个实例的时钟落后一秒
	votedAt := stored.Add(-time.Second)
	want := stored.Add(time.Microsecond)

	mock.ExpectBegin()
	mock.ExpectQuery(q(optionIDsSQL)).WithArgs("p1").WillReturnRows(optionRows("a", "b"))
	mock.ExpectQuery(q(lockVoteSQL)).WithArgs("p1", "u1").WillReturnRows(sqlmock.NewRows([]string{"option_id"}))
	mock.ExpectQuery(q(lockPollSQL)).WithArgs("p1").WillReturnRows(updatedAtRow(stored))
	mock.ExpectExec(q(addOptionSQL)).WithArgs(1, "p1", "a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(addTotalSQL)).WithArgs(1, at(want), "a", "p1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(insertVoteSQL)).WithArgs("p1", "u1", "a", votedAt).WillReturnResult(sqlmock.NewResult(0, 1))
	expectPollRead(mock, "p1", 2, want, 2, 0)
	mock.ExpectCommit()

	change := firstVote("p1", "u1", "a")
	change.VotedAt = votedAt
	poll, err := repo.CommitVote(context.Background(), change)
	require.NoError(t, err)
	assert.True(t, poll.UpdatedAt.After(stored))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRepository_SnapshotReadFailureRollsBack(t *testing.T) {
	repo, mock := newMockMySQL(t)
	votedAt := time.Now().Truncate(time.Microsecond)

	mock.ExpectBegin()
	mock.ExpectQuery(q(optionIDsSQL)).WithArgs("p1").WillReturnRows(optionRows("a", "b"))
	mock.ExpectQuery(q(lockVoteSQL)).WithArgs("p1", "u1").WillReturnRows(sqlmock.NewRows([]string{"option_id"}))
	mock.ExpectQuery(q(lockPollSQL)).WithArgs("p1").WillReturnRows(updatedAtRow(votedAt.Add(-time.Minute)))
	mock.ExpectExec(q(addOptionSQL)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(addTotalSQL)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(insertVoteSQL)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q(selectPollSQL)).WillReturnError(mysql.ErrInvalidConn)
	mock.ExpectRollback()

	change := firstVote("p1", "u1", "a")
	change.VotedAt = votedAt
	_, err := repo.CommitVote(context.Background(), change)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRepository_GetVoteReadsMaster(t *testing.T) {
	master, masterMock, err := sqlmock.New()
	require.NoError(t, err)
	defer master.Close()
	replica, replicaMock, err := sqlmock.New()
	require.NoError(t, err)
	defer replica.Close()

	repo := NewMySQLRepositoryFromDB(master, replica, 10*time.Millisecond, zap.NewNop())
	votedAt := time.Now()

	// 从库仍是改票前的旧值，不应被读取
	masterMock.ExpectQuery(q(selectVoteSQL)).WithArgs("p1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"option_id", "voted_at"}).AddRow("b", votedAt))

	vote, err := repo.GetVote(context.Background(), "p1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "b", vote.OptionID)
	assert.NoError(t, masterMock.ExpectationsWereMet())
	assert.NoError(t, replicaMock.ExpectationsWereMet())
}

func TestMySQLRepository_CommitStalePriorConflicts(t *testing.T) {
	repo, mock := newMockMySQL(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q(optionIDsSQL)).WithArgs("p1").WillReturnRows(optionRows("a", "b"))
	mock.ExpectQuery(q(lockVoteSQL)).WithArgs("p1", "u1").WillReturnRows(optionRows("b"))
	mock.ExpectRollback()

	_, err := repo.CommitVote(context.Background(), firstVote("p1", "u1", "a"))
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRepository_CommitErrors(t *testing.T) {
	tests := []struct {
		name   string
		expect func(mock sqlmock.Sqlmock)
		want   error
	}{
		{
			name: "poll missing",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(q(optionIDsSQL)).WithArgs("p1").WillReturnRows(optionRows())
			},
			want: ErrPollNotFound,
		},
		{
			name: "option missing",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(q(optionIDsSQL)).WithArgs("p1").WillReturnRows(optionRows("x", "y"))
			},
			want: ErrOptionNotFound,
		},
		{
			name: "deadlock",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(q(optionIDsSQL)).WithArgs("p1").WillReturnRows(optionRows("a", "b"))
				mock.ExpectQuery(q(lockVoteSQL)).WillReturnRows(sqlmock.NewRows([]string{"option_id"}))
				mock.ExpectQuery(q(lockPollSQL)).WillReturnRows(updatedAtRow(time.Now()))
				mock.ExpectExec(q(addOptionSQL)).WillReturnError(&mysql.MySQLError{Number: errDeadlock, Message: "Deadlock found"})
			},
			want: ErrConflict,
		},
		{
			name: "concurrent first vote",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(q(optionIDsSQL)).WithArgs("p1").WillReturnRows(optionRows("a", "b"))
				mock.ExpectQuery(q(lockVoteSQL)).WillReturnRows(sqlmock.NewRows([]string{"option_id"}))
				mock.ExpectQuery(q(lockPollSQL)).WillReturnRows(updatedAtRow(time.Now()))
				mock.ExpectExec(q(addOptionSQL)).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(q(addTotalSQL)).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(q(insertVoteSQL)).WillReturnError(&mysql.MySQLError{Number: errDuplicateEntry})
			},
			want: ErrConflict,
		},
		{
			name: "connection lost",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(q(optionIDsSQL)).WillReturnError(mysql.ErrInvalidConn)
			},
			want: ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockMySQL(t)
			mock.ExpectBegin()
			tt.expect(mock)
			mock.ExpectRollback()

			_, err := repo.CommitVote(context.Background(), firstVote("p1", "u1", "a"))
			assert.ErrorIs(t, err, tt.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMySQLRepository_ListPolls(t *testing.T) {
	repo, mock := newMockMySQL(t)
	now := time.Now()

	mock.ExpectQuery(q(listPollsSQL)).WithArgs(10).WillReturnRows(
		sqlmock.NewRows([]string{"id", "name", "total_count", "last_updated_option_id", "created_at", "updated_at"}).
			AddRow("p2", "Newer", 1, "a", now, now).
			AddRow("p1", "Older", 0, "", now.Add(-time.Minute), now.Add(-time.Minute)))
	mock.ExpectQuery(q(fmt.Sprintf(listOptsSQL, "?,?"))).WithArgs("p2", "p1").WillReturnRows(
		sqlmock.NewRows([]string{"poll_id", "option_id", "name", "count"}).
			AddRow("p1", "a", "x", 0).
			AddRow("p1", "b", "y", 0).
			AddRow("p2", "a", "x", 1).
			AddRow("p2", "b", "y", 0))

	polls, err := repo.ListPolls(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, polls, 2)
	assert.Equal(t, "p2", polls[0].ID)
	assert.Equal(t, 1, polls[0].SumCounts())
	assert.Len(t, polls[1].Options, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRepository_WatchPollsForChanges(t *testing.T) {
	repo, mock := newMockMySQL(t)
	mock.MatchExpectationsInOrder(true)
	start := time.Now().Add(-time.Second)
	later := start.Add(500 * time.Millisecond)

	expectPollRead(mock, "p1", 0, start, 0, 0)
	mock.ExpectQuery(q(updatedAtSQL)).WithArgs("p1").WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(later))
	expectPollRead(mock, "p1", 1, later, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := repo.Watch(ctx, "p1")
	require.NoError(t, err)

	assert.Equal(t, 0, receive(t, ch).TotalCount)
	assert.Equal(t, 1, receive(t, ch).TotalCount)
	cancel()
}

func TestMySQLRepository_SavePushTarget(t *testing.T) {
	repo, mock := newMockMySQL(t)
	now := time.Now()

	mock.ExpectQuery(q(pollExistsSQL)).WithArgs("p1").WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectExec(q(upsertPushSQL)).WithArgs("p1", "d1", "tok", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q(pollExistsSQL)).WithArgs("p2").WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))

	ctx := context.Background()
	require.NoError(t, repo.SavePushTarget(ctx, model.PushTarget{PollID: "p1", DeviceID: "d1", Token: "tok", UpdatedAt: now}))
	assert.ErrorIs(t, repo.SavePushTarget(ctx, model.PushTarget{PollID: "p2", DeviceID: "d1", Token: "tok"}), ErrPollNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
