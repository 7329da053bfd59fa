package storage

import (
	"context"
	"errors"

	"github.com/braintheria/bounty_layer/internal/app/domain/answer"
	"github.com/braintheria/bounty_layer/internal/app/domain/intent"
	"github.com/braintheria/bounty_layer/internal/app/domain/ledger"
	"github.com/braintheria/bounty_layer/internal/app/domain/question"
	"github.com/braintheria/bounty_layer/internal/app/domain/user"
)

// ErrNotFound is returned when a requested record does not exist. Store
// implementations translate their backend's missing-row condition to it.
var ErrNotFound = errors.New("record not found")

// QuestionFilter narrows and pages question listings.
type QuestionFilter struct {
	AuthorID string
	Status   question.Status
	Search   string
	Page     int
	Limit    int
}

// LedgerFilter narrows ledger audit listings. Results are always returned
// newest-first.
type LedgerFilter struct {
	QuestionID string
	UserID     string
	Limit      int
	Offset     int
}

// UserStore persists platform users.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
}

// QuestionStore persists question records.
type QuestionStore interface {
	CreateQuestion(ctx context.Context, q question.Question) (question.Question, error)
	UpdateQuestion(ctx context.Context, q question.Question) (question.Question, error)
	GetQuestion(ctx context.Context, id string) (question.Question, error)
	ListQuestions(ctx context.Context, filter QuestionFilter) ([]question.Question, int, error)
}

// AnswerStore persists answer records.
type AnswerStore interface {
	CreateAnswer(ctx context.Context, a answer.Answer) (answer.Answer, error)
	UpdateAnswer(ctx context.Context, a answer.Answer) (answer.Answer, error)
	GetAnswer(ctx context.Context, id string) (answer.Answer, error)
	ListAnswers(ctx context.Context, questionID string) ([]answer.Answer, error)
}

// LedgerStore persists the append-only audit log. There is deliberately no
// update or delete.
type LedgerStore interface {
	AppendLedgerEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
	ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]ledger.Entry, error)
}

// IntentStore persists transaction intents used by the recovery poller.
type IntentStore interface {
	CreateIntent(ctx context.Context, in intent.Intent) (intent.Intent, error)
	UpdateIntent(ctx context.Context, in intent.Intent) (intent.Intent, error)
	GetIntent(ctx context.Context, id string) (intent.Intent, error)
	FindIntentByKey(ctx context.Context, questionID, idempotencyKey string) (intent.Intent, error)
	ListOpenIntents(ctx context.Context) ([]intent.Intent, error)
}

// AcceptanceStore commits the off-chain effects of a confirmed answer
// acceptance as one atomic unit: the winning answer is flagged best, the
// question becomes Verified, the Released ledger entry is appended, and the
// driving intent (when present) is completed. Partial application is not
// permitted; implementations either apply all four writes or none.
type AcceptanceStore interface {
	CommitAcceptance(ctx context.Context, q question.Question, a answer.Answer, e ledger.Entry, intentID string) error
}
