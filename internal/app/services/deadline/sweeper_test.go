package deadline

import (
	"context"
	"testing"
	"time"

	"github.com/braintheria/bounty_layer/internal/app/domain/question"
	"github.com/braintheria/bounty_layer/internal/app/services/ledger"
	"github.com/braintheria/bounty_layer/internal/app/services/questions"
	"github.com/braintheria/bounty_layer/internal/app/storage/memory"
	"github.com/braintheria/bounty_layer/internal/content"
)

func newTestSweeper(t *testing.T) (*Sweeper, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := questions.New(questions.Stores{
		Questions:  store,
		Answers:    store,
		Users:      store,
		Intents:    store,
		Acceptance: store,
	}, nil, ledger.New(store, nil), content.NewMemoryPinner(), nil, questions.Limits{}, nil)
	return NewSweeper(store, svc, "", nil), store
}

func seedOpen(t *testing.T, store *memory.Store, deadline time.Time) question.Question {
	t.Helper()
	q, err := store.CreateQuestion(context.Background(), question.Question{
		AuthorID: "author",
		Title:    "t",
		Body:     "b",
		Status:   question.StatusOpen,
		Deadline: deadline,
	})
	if err != nil {
		t.Fatalf("seed question: %v", err)
	}
	return q
}

func TestSweep_ExpiresPastDeadline(t *testing.T) {
	sweeper, store := newTestSweeper(t)
	expired := seedOpen(t, store, time.Now().UTC().Add(-time.Hour))
	fresh := seedOpen(t, store, time.Now().UTC().Add(time.Hour))

	sweeper.Sweep(context.Background())

	got, err := store.GetQuestion(context.Background(), expired.ID)
	if err != nil {
		t.Fatalf("get expired: %v", err)
	}
	if got.Status != question.StatusCancelled {
		t.Fatalf("expired question not cancelled: %s", got.Status)
	}

	got, err = store.GetQuestion(context.Background(), fresh.ID)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if got.Status != question.StatusOpen {
		t.Fatalf("fresh question should stay open: %s", got.Status)
	}
}

func TestSweep_SkipsClosedQuestions(t *testing.T) {
	sweeper, store := newTestSweeper(t)
	q := seedOpen(t, store, time.Now().UTC().Add(-time.Hour))
	q.Status = question.StatusVerified
	if _, err := store.UpdateQuestion(context.Background(), q); err != nil {
		t.Fatalf("update: %v", err)
	}

	sweeper.Sweep(context.Background())

	got, err := store.GetQuestion(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != question.StatusVerified {
		t.Fatalf("verified question must not change: %s", got.Status)
	}
}

func TestSweep_IsIdempotent(t *testing.T) {
	sweeper, store := newTestSweeper(t)
	q := seedOpen(t, store, time.Now().UTC().Add(-time.Minute))

	sweeper.Sweep(context.Background())
	sweeper.Sweep(context.Background())

	got, err := store.GetQuestion(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != question.StatusCancelled {
		t.Fatalf("status after repeat sweep: %s", got.Status)
	}
}
