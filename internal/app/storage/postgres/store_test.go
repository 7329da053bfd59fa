package postgres

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braintheria/bounty_layer/internal/app/domain/answer"
	"github.com/braintheria/bounty_layer/internal/app/domain/intent"
	"github.com/braintheria/bounty_layer/internal/app/domain/ledger"
	"github.com/braintheria/bounty_layer/internal/app/domain/question"
	"github.com/braintheria/bounty_layer/internal/app/domain/user"
	"github.com/braintheria/bounty_layer/internal/app/storage"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db), mock
}

func TestCreateUser(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(sqlmock.AnyArg(), "ada", "ada@example.com", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	u, err := store.CreateUser(context.Background(), user.User{Name: "ada", Email: "ada@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
}

func TestGetUser_NotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(`SELECT .+ FROM users WHERE id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "wallet_address", "created_at", "updated_at"}))

	_, err := store.GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateUser_ZeroRowsIsNotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(`UPDATE users`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.UpdateUser(context.Background(), user.User{ID: "ghost", Name: "x", Email: "x@y"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetQuestion_ScansNumericBounty(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	// 2^128, comfortably past int64 range; the NUMERIC column round-trips it
	// as a decimal string.
	bounty := new(big.Int).Lsh(big.NewInt(1), 128)

	rows := sqlmock.NewRows([]string{
		"id", "author_id", "title", "body", "content_hash", "content_ref",
		"status", "bounty_amount", "token_address", "deadline", "on_chain_id",
		"last_tx_ref", "refund_pending", "created_at", "updated_at",
	}).AddRow("q1", "u1", "t", "b", "0xhash", "bafkref",
		"Open", bounty.String(), "", now.Add(time.Hour), int64(7),
		nil, false, now, now)

	mock.ExpectQuery(`SELECT .+ FROM questions WHERE id`).
		WithArgs("q1").
		WillReturnRows(rows)

	q, err := store.GetQuestion(context.Background(), "q1")
	require.NoError(t, err)
	assert.Zero(t, q.BountyAmount.Cmp(bounty))
	require.NotNil(t, q.OnChainID)
	assert.Equal(t, int64(7), *q.OnChainID)
	assert.Equal(t, question.StatusOpen, q.Status)
}

func TestAppendLedgerEntry_RejectsInvalidKind(t *testing.T) {
	store, _ := newMock(t)

	_, err := store.AppendLedgerEntry(context.Background(), ledger.Entry{
		Kind: "bogus", Amount: big.NewInt(1),
	})
	assert.Error(t, err)
}

func TestCommitAcceptance_Transactional(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE answers SET is_best`).
		WithArgs("a1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE questions`).
		WithArgs("q1", string(question.StatusVerified), "0xtx", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tx_intents`).
		WithArgs("in1", string(intent.StateCompleted), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.CommitAcceptance(context.Background(),
		question.Question{ID: "q1", LastTxRef: "0xtx"},
		answer.Answer{ID: "a1"},
		ledger.Entry{Kind: ledger.KindReleased, Amount: big.NewInt(5), Token: "ETH", QuestionID: "q1", UserID: "w"},
		"in1")
	require.NoError(t, err)
}

func TestCommitAcceptance_RollsBackOnMissingAnswer(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE answers SET is_best`).
		WithArgs("gone", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.CommitAcceptance(context.Background(),
		question.Question{ID: "q1"},
		answer.Answer{ID: "gone"},
		ledger.Entry{Kind: ledger.KindReleased, Amount: big.NewInt(5)},
		"")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
