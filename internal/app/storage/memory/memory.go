package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/braintheria/bounty_layer/internal/app/domain/answer"
	"github.com/braintheria/bounty_layer/internal/app/domain/intent"
	"github.com/braintheria/bounty_layer/internal/app/domain/ledger"
	"github.com/braintheria/bounty_layer/internal/app/domain/question"
	"github.com/braintheria/bounty_layer/internal/app/domain/user"
	"github.com/braintheria/bounty_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development.
type Store struct {
	mu           sync.RWMutex
	nextID       int64
	users        map[string]user.User
	usersByEmail map[string]string
	questions    map[string]question.Question
	answers      map[string]answer.Answer
	entries      []ledger.Entry
	intents      map[string]intent.Intent
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.QuestionStore = (*Store)(nil)
var _ storage.AnswerStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.IntentStore = (*Store)(nil)
var _ storage.AcceptanceStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:       1,
		users:        make(map[string]user.User),
		usersByEmail: make(map[string]string),
		questions:    make(map[string]question.Question),
		answers:      make(map[string]answer.Answer),
		intents:      make(map[string]intent.Intent),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneQuestion(q question.Question) question.Question {
	q.BountyAmount = cloneAmount(q.BountyAmount)
	if q.OnChainID != nil {
		id := *q.OnChainID
		q.OnChainID = &id
	}
	return q
}

func cloneAnswer(a answer.Answer) answer.Answer {
	if a.OnChainID != nil {
		id := *a.OnChainID
		a.OnChainID = &id
	}
	return a
}

func cloneEntry(e ledger.Entry) ledger.Entry {
	e.Amount = cloneAmount(e.Amount)
	return e
}

func cloneIntent(in intent.Intent) intent.Intent {
	in.Amount = cloneAmount(in.Amount)
	return in
}

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = s.nextIDLocked()
	} else if _, exists := s.users[u.ID]; exists {
		return user.User{}, fmt.Errorf("user %s already exists", u.ID)
	}
	if u.Email != "" {
		if _, exists := s.usersByEmail[strings.ToLower(u.Email)]; exists {
			return user.User{}, fmt.Errorf("email %s already registered", u.Email)
		}
	}

	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.ID] = u
	if u.Email != "" {
		s.usersByEmail[strings.ToLower(u.Email)] = u.ID
	}
	return u, nil
}

func (s *Store) UpdateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[u.ID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = time.Now().UTC()
	if existing.Email != u.Email {
		delete(s.usersByEmail, strings.ToLower(existing.Email))
		if u.Email != "" {
			s.usersByEmail[strings.ToLower(u.Email)] = u.ID
		}
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByEmail[strings.ToLower(email)]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return s.users[id], nil
}

// QuestionStore implementation ------------------------------------------------

func (s *Store) CreateQuestion(_ context.Context, q question.Question) (question.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.ID == "" {
		q.ID = s.nextIDLocked()
	} else if _, exists := s.questions[q.ID]; exists {
		return question.Question{}, fmt.Errorf("question %s already exists", q.ID)
	}
	if q.Status == "" {
		q.Status = question.StatusOpen
	}
	if q.BountyAmount == nil {
		q.BountyAmount = new(big.Int)
	}

	now := time.Now().UTC()
	q.CreatedAt = now
	q.UpdatedAt = now
	s.questions[q.ID] = cloneQuestion(q)
	return cloneQuestion(q), nil
}

func (s *Store) UpdateQuestion(_ context.Context, q question.Question) (question.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateQuestionLocked(q)
}

func (s *Store) updateQuestionLocked(q question.Question) (question.Question, error) {
	existing, ok := s.questions[q.ID]
	if !ok {
		return question.Question{}, storage.ErrNotFound
	}
	q.CreatedAt = existing.CreatedAt
	q.UpdatedAt = time.Now().UTC()
	s.questions[q.ID] = cloneQuestion(q)
	return cloneQuestion(q), nil
}

func (s *Store) GetQuestion(_ context.Context, id string) (question.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.questions[id]
	if !ok {
		return question.Question{}, storage.ErrNotFound
	}
	return cloneQuestion(q), nil
}

func (s *Store) ListQuestions(_ context.Context, filter storage.QuestionFilter) ([]question.Question, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []question.Question
	for _, q := range s.questions {
		if filter.AuthorID != "" && q.AuthorID != filter.AuthorID {
			continue
		}
		if filter.Status != "" && q.Status != filter.Status {
			continue
		}
		if filter.Search != "" {
			needle := strings.ToLower(filter.Search)
			if !strings.Contains(strings.ToLower(q.Title), needle) &&
				!strings.Contains(strings.ToLower(q.Body), needle) {
				continue
			}
		}
		matched = append(matched, cloneQuestion(q))
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	start := (page - 1) * limit
	if start >= total {
		return nil, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// AnswerStore implementation --------------------------------------------------

func (s *Store) CreateAnswer(_ context.Context, a answer.Answer) (answer.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = s.nextIDLocked()
	} else if _, exists := s.answers[a.ID]; exists {
		return answer.Answer{}, fmt.Errorf("answer %s already exists", a.ID)
	}
	if _, ok := s.questions[a.QuestionID]; !ok {
		return answer.Answer{}, storage.ErrNotFound
	}

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	s.answers[a.ID] = cloneAnswer(a)
	return cloneAnswer(a), nil
}

func (s *Store) UpdateAnswer(_ context.Context, a answer.Answer) (answer.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateAnswerLocked(a)
}

func (s *Store) updateAnswerLocked(a answer.Answer) (answer.Answer, error) {
	existing, ok := s.answers[a.ID]
	if !ok {
		return answer.Answer{}, storage.ErrNotFound
	}
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	s.answers[a.ID] = cloneAnswer(a)
	return cloneAnswer(a), nil
}

func (s *Store) GetAnswer(_ context.Context, id string) (answer.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.answers[id]
	if !ok {
		return answer.Answer{}, storage.ErrNotFound
	}
	return cloneAnswer(a), nil
}

func (s *Store) ListAnswers(_ context.Context, questionID string) ([]answer.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []answer.Answer
	for _, a := range s.answers {
		if a.QuestionID == questionID {
			out = append(out, cloneAnswer(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) AppendLedgerEntry(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEntryLocked(e)
}

func (s *Store) appendEntryLocked(e ledger.Entry) (ledger.Entry, error) {
	if !ledger.ValidKind(e.Kind) {
		return ledger.Entry{}, fmt.Errorf("invalid ledger kind %q", e.Kind)
	}
	if e.ID == "" {
		e.ID = s.nextIDLocked()
	}
	e.CreatedAt = time.Now().UTC()
	s.entries = append(s.entries, cloneEntry(e))
	return cloneEntry(e), nil
}

func (s *Store) ListLedgerEntries(_ context.Context, filter storage.LedgerFilter) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []ledger.Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if filter.QuestionID != "" && e.QuestionID != filter.QuestionID {
			continue
		}
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		matched = append(matched, cloneEntry(e))
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// IntentStore implementation --------------------------------------------------

func (s *Store) CreateIntent(_ context.Context, in intent.Intent) (intent.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ID == "" {
		in.ID = s.nextIDLocked()
	} else if _, exists := s.intents[in.ID]; exists {
		return intent.Intent{}, fmt.Errorf("intent %s already exists", in.ID)
	}

	now := time.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now
	s.intents[in.ID] = cloneIntent(in)
	return cloneIntent(in), nil
}

func (s *Store) UpdateIntent(_ context.Context, in intent.Intent) (intent.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateIntentLocked(in)
}

func (s *Store) updateIntentLocked(in intent.Intent) (intent.Intent, error) {
	existing, ok := s.intents[in.ID]
	if !ok {
		return intent.Intent{}, storage.ErrNotFound
	}
	in.CreatedAt = existing.CreatedAt
	in.UpdatedAt = time.Now().UTC()
	s.intents[in.ID] = cloneIntent(in)
	return cloneIntent(in), nil
}

func (s *Store) GetIntent(_ context.Context, id string) (intent.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.intents[id]
	if !ok {
		return intent.Intent{}, storage.ErrNotFound
	}
	return cloneIntent(in), nil
}

func (s *Store) FindIntentByKey(_ context.Context, questionID, idempotencyKey string) (intent.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, in := range s.intents {
		if in.QuestionID == questionID && in.IdempotencyKey == idempotencyKey {
			return cloneIntent(in), nil
		}
	}
	return intent.Intent{}, storage.ErrNotFound
}

func (s *Store) ListOpenIntents(_ context.Context) ([]intent.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []intent.Intent
	for _, in := range s.intents {
		if in.Open() {
			out = append(out, cloneIntent(in))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AcceptanceStore implementation ----------------------------------------------

// CommitAcceptance applies the off-chain effects of a confirmed acceptance
// under a single lock acquisition, so readers never observe a best answer
// without the Verified status or vice versa.
func (s *Store) CommitAcceptance(_ context.Context, q question.Question, a answer.Answer, e ledger.Entry, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.questions[q.ID]; !ok {
		return storage.ErrNotFound
	}
	if _, ok := s.answers[a.ID]; !ok {
		return storage.ErrNotFound
	}

	if _, err := s.updateAnswerLocked(a); err != nil {
		return err
	}
	if _, err := s.updateQuestionLocked(q); err != nil {
		return err
	}
	if _, err := s.appendEntryLocked(e); err != nil {
		return err
	}
	if intentID != "" {
		in, ok := s.intents[intentID]
		if !ok {
			return storage.ErrNotFound
		}
		in.State = intent.StateCompleted
		if _, err := s.updateIntentLocked(in); err != nil {
			return err
		}
	}
	return nil
}
