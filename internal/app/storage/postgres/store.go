package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/braintheria/bounty_layer/internal/app/domain/answer"
	"github.com/braintheria/bounty_layer/internal/app/domain/intent"
	"github.com/braintheria/bounty_layer/internal/app/domain/ledger"
	"github.com/braintheria/bounty_layer/internal/app/domain/question"
	"github.com/braintheria/bounty_layer/internal/app/domain/user"
	"github.com/braintheria/bounty_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. Bounty and
// ledger amounts are stored as NUMERIC(78,0), wide enough for any uint256
// value, and scanned through their decimal string form.
type Store struct {
	db *sql.DB
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.QuestionStore = (*Store)(nil)
var _ storage.AnswerStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.IntentStore = (*Store)(nil)
var _ storage.AcceptanceStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func translateErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// --- UserStore ---------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, wallet_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Name, u.Email, u.WalletAddress, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	u.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET name = $2, email = $3, wallet_address = $4, updated_at = $5
		WHERE id = $1
	`, u.ID, u.Name, u.Email, u.WalletAddress, u.UpdatedAt)
	if err != nil {
		return user.User{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, email, wallet_address, created_at, updated_at
		FROM users WHERE id = $1
	`, id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, email, wallet_address, created_at, updated_at
		FROM users WHERE lower(email) = lower($1)
	`, email))
}

func (s *Store) scanUser(row *sql.Row) (user.User, error) {
	var u user.User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.WalletAddress, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return user.User{}, translateErr(err)
	}
	return u, nil
}

// --- QuestionStore -----------------------------------------------------------

const questionColumns = `id, author_id, title, body, content_hash, content_ref,
		status, bounty_amount::text, token_address, deadline, on_chain_id,
		last_tx_ref, refund_pending, created_at, updated_at`

func (s *Store) CreateQuestion(ctx context.Context, q question.Question) (question.Question, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.Status == "" {
		q.Status = question.StatusOpen
	}
	now := time.Now().UTC()
	q.CreatedAt = now
	q.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO questions (id, author_id, title, body, content_hash, content_ref,
			status, bounty_amount, token_address, deadline, on_chain_id,
			last_tx_ref, refund_pending, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $14, $15)
	`, q.ID, q.AuthorID, q.Title, q.Body, q.ContentHash, q.ContentRef,
		string(q.Status), amountString(q.BountyAmount), q.TokenAddress, q.Deadline,
		q.OnChainID, q.LastTxRef, q.RefundPending, q.CreatedAt, q.UpdatedAt)
	if err != nil {
		return question.Question{}, err
	}
	if q.BountyAmount == nil {
		q.BountyAmount = new(big.Int)
	}
	return q, nil
}

func (s *Store) UpdateQuestion(ctx context.Context, q question.Question) (question.Question, error) {
	q.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE questions
		SET title = $2, body = $3, content_hash = $4, content_ref = $5,
			status = $6, bounty_amount = $7::numeric, token_address = $8,
			deadline = $9, on_chain_id = $10, last_tx_ref = $11,
			refund_pending = $12, updated_at = $13
		WHERE id = $1
	`, q.ID, q.Title, q.Body, q.ContentHash, q.ContentRef,
		string(q.Status), amountString(q.BountyAmount), q.TokenAddress,
		q.Deadline, q.OnChainID, q.LastTxRef, q.RefundPending, q.UpdatedAt)
	if err != nil {
		return question.Question{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return question.Question{}, storage.ErrNotFound
	}
	return q, nil
}

func (s *Store) GetQuestion(ctx context.Context, id string) (question.Question, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = $1`, id)
	return scanQuestion(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQuestion(row rowScanner) (question.Question, error) {
	var (
		q         question.Question
		status    string
		amountRaw string
		onChainID sql.NullInt64
		lastTxRef sql.NullString
	)
	if err := row.Scan(&q.ID, &q.AuthorID, &q.Title, &q.Body, &q.ContentHash,
		&q.ContentRef, &status, &amountRaw, &q.TokenAddress, &q.Deadline,
		&onChainID, &lastTxRef, &q.RefundPending, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return question.Question{}, translateErr(err)
	}
	q.Status = question.Status(status)
	amount, err := parseAmount(amountRaw)
	if err != nil {
		return question.Question{}, err
	}
	q.BountyAmount = amount
	if onChainID.Valid {
		id := onChainID.Int64
		q.OnChainID = &id
	}
	q.LastTxRef = lastTxRef.String
	return q, nil
}

func (s *Store) ListQuestions(ctx context.Context, filter storage.QuestionFilter) ([]question.Question, int, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.AuthorID != "" {
		conds = append(conds, "author_id = "+arg(filter.AuthorID))
	}
	if filter.Status != "" {
		conds = append(conds, "status = "+arg(string(filter.Status)))
	}
	if filter.Search != "" {
		p := arg("%" + filter.Search + "%")
		conds = append(conds, "(title ILIKE "+p+" OR body ILIKE "+p+")")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM questions"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + questionColumns + ` FROM questions` + where +
		` ORDER BY created_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg((page-1)*limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []question.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, q)
	}
	return out, total, rows.Err()
}

// --- AnswerStore -------------------------------------------------------------

const answerColumns = `id, question_id, author_id, body, content_hash,
		content_ref, is_best, on_chain_id, deleted, created_at, updated_at`

func (s *Store) CreateAnswer(ctx context.Context, a answer.Answer) (answer.Answer, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO answers (id, question_id, author_id, body, content_hash,
			content_ref, is_best, on_chain_id, deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.QuestionID, a.AuthorID, a.Body, a.ContentHash,
		a.ContentRef, a.IsBest, a.OnChainID, a.Deleted, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return answer.Answer{}, err
	}
	return a, nil
}

func (s *Store) UpdateAnswer(ctx context.Context, a answer.Answer) (answer.Answer, error) {
	a.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE answers
		SET body = $2, content_hash = $3, content_ref = $4, is_best = $5,
			on_chain_id = $6, deleted = $7, updated_at = $8
		WHERE id = $1
	`, a.ID, a.Body, a.ContentHash, a.ContentRef, a.IsBest, a.OnChainID, a.Deleted, a.UpdatedAt)
	if err != nil {
		return answer.Answer{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return answer.Answer{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *Store) GetAnswer(ctx context.Context, id string) (answer.Answer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE id = $1`, id)
	return scanAnswer(row)
}

func scanAnswer(row rowScanner) (answer.Answer, error) {
	var (
		a         answer.Answer
		onChainID sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.QuestionID, &a.AuthorID, &a.Body, &a.ContentHash,
		&a.ContentRef, &a.IsBest, &onChainID, &a.Deleted, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return answer.Answer{}, translateErr(err)
	}
	if onChainID.Valid {
		id := onChainID.Int64
		a.OnChainID = &id
	}
	return a, nil
}

func (s *Store) ListAnswers(ctx context.Context, questionID string) ([]answer.Answer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE question_id = $1 ORDER BY created_at`, questionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []answer.Answer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- LedgerStore -------------------------------------------------------------

func (s *Store) AppendLedgerEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	return appendLedgerEntry(ctx, s.db, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func appendLedgerEntry(ctx context.Context, db execer, e ledger.Entry) (ledger.Entry, error) {
	if !ledger.ValidKind(e.Kind) {
		return ledger.Entry{}, fmt.Errorf("invalid ledger kind %q", e.Kind)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()

	_, err := db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, kind, amount, token, question_id, user_id, tx_ref, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8)
	`, e.ID, string(e.Kind), amountString(e.Amount), e.Token,
		nullable(e.QuestionID), nullable(e.UserID), nullable(e.TxRef), e.CreatedAt)
	if err != nil {
		return ledger.Entry{}, err
	}
	return e, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) ListLedgerEntries(ctx context.Context, filter storage.LedgerFilter) ([]ledger.Entry, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.QuestionID != "" {
		conds = append(conds, "question_id = "+arg(filter.QuestionID))
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = "+arg(filter.UserID))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	query := `SELECT id, kind, amount::text, token, COALESCE(question_id, ''),
		COALESCE(user_id, ''), COALESCE(tx_ref, ''), created_at
		FROM ledger_entries` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e         ledger.Entry
			kind      string
			amountRaw string
		)
		if err := rows.Scan(&e.ID, &kind, &amountRaw, &e.Token,
			&e.QuestionID, &e.UserID, &e.TxRef, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = ledger.Kind(kind)
		amount, err := parseAmount(amountRaw)
		if err != nil {
			return nil, err
		}
		e.Amount = amount
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- IntentStore -------------------------------------------------------------

const intentColumns = `id, question_id, answer_id, operation, idempotency_key,
		tx_ref, amount::text, state, attempts, last_error, created_at, updated_at`

func (s *Store) CreateIntent(ctx context.Context, in intent.Intent) (intent.Intent, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tx_intents (id, question_id, answer_id, operation, idempotency_key,
			tx_ref, amount, state, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12)
	`, in.ID, in.QuestionID, in.AnswerID, string(in.Operation), in.IdempotencyKey,
		in.TxRef, amountString(in.Amount), string(in.State), in.Attempts,
		in.LastError, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return intent.Intent{}, err
	}
	return in, nil
}

func (s *Store) UpdateIntent(ctx context.Context, in intent.Intent) (intent.Intent, error) {
	in.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE tx_intents
		SET tx_ref = $2, amount = $3::numeric, state = $4, attempts = $5,
			last_error = $6, updated_at = $7
		WHERE id = $1
	`, in.ID, in.TxRef, amountString(in.Amount), string(in.State),
		in.Attempts, in.LastError, in.UpdatedAt)
	if err != nil {
		return intent.Intent{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return intent.Intent{}, storage.ErrNotFound
	}
	return in, nil
}

func (s *Store) GetIntent(ctx context.Context, id string) (intent.Intent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM tx_intents WHERE id = $1`, id)
	return scanIntent(row)
}

func (s *Store) FindIntentByKey(ctx context.Context, questionID, idempotencyKey string) (intent.Intent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+` FROM tx_intents
		WHERE question_id = $1 AND idempotency_key = $2
		ORDER BY created_at DESC LIMIT 1
	`, questionID, idempotencyKey)
	return scanIntent(row)
}

func scanIntent(row rowScanner) (intent.Intent, error) {
	var (
		in        intent.Intent
		operation string
		state     string
		amountRaw string
	)
	if err := row.Scan(&in.ID, &in.QuestionID, &in.AnswerID, &operation,
		&in.IdempotencyKey, &in.TxRef, &amountRaw, &state, &in.Attempts,
		&in.LastError, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return intent.Intent{}, translateErr(err)
	}
	in.Operation = intent.Operation(operation)
	in.State = intent.State(state)
	amount, err := parseAmount(amountRaw)
	if err != nil {
		return intent.Intent{}, err
	}
	in.Amount = amount
	return in, nil
}

func (s *Store) ListOpenIntents(ctx context.Context) ([]intent.Intent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+intentColumns+` FROM tx_intents
		WHERE state IN ('pending', 'awaiting_commit')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []intent.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// --- AcceptanceStore ---------------------------------------------------------

// CommitAcceptance runs the three acceptance writes plus intent completion
// in one database transaction.
func (s *Store) CommitAcceptance(ctx context.Context, q question.Question, a answer.Answer, e ledger.Entry, intentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	result, err := tx.ExecContext(ctx, `
		UPDATE answers SET is_best = TRUE, updated_at = $2 WHERE id = $1
	`, a.ID, now)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE questions
		SET status = $2, last_tx_ref = $3, updated_at = $4
		WHERE id = $1
	`, q.ID, string(question.StatusVerified), q.LastTxRef, now)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}

	if _, err := appendLedgerEntry(ctx, tx, e); err != nil {
		return err
	}

	if intentID != "" {
		result, err = tx.ExecContext(ctx, `
			UPDATE tx_intents SET state = $2, updated_at = $3 WHERE id = $1
		`, intentID, string(intent.StateCompleted), now)
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return storage.ErrNotFound
		}
	}

	return tx.Commit()
}
