// Package answers implements answer posting and editing. When the parent
// question is escrowed on-chain, posting also registers the answer with the
// contract so it can later receive the bounty.
package answers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/braintheria/bounty_layer/internal/app/domain/answer"
	"github.com/braintheria/bounty_layer/internal/app/domain/question"
	"github.com/braintheria/bounty_layer/internal/app/services/notify"
	"github.com/braintheria/bounty_layer/internal/app/storage"
	"github.com/braintheria/bounty_layer/internal/chain"
	"github.com/braintheria/bounty_layer/internal/content"
	"github.com/braintheria/bounty_layer/pkg/logger"
)

// EscrowPoster is the slice of the chain client answer posting needs.
type EscrowPoster interface {
	PostAnswer(ctx context.Context, chainQID int64, uri string) (*chain.PendingTx, error)
	AwaitReceipt(ctx context.Context, pending *chain.PendingTx, confirmations uint64) (*chain.Receipt, error)
}

// ErrNotMutable is returned for edits and deletes on answers that are
// locked: the question closed, the answer won, or it was already deleted.
var ErrNotMutable = errors.New("answer can no longer be modified")

// Service manages the answer lifecycle.
type Service struct {
	answers       storage.AnswerStore
	questions     storage.QuestionStore
	users         storage.UserStore
	escrow        EscrowPoster
	pinner        content.Pinner
	hub           *notify.Hub
	confirmations uint64
	log           *logger.Logger
}

// New constructs the answer service. escrow may be nil for deployments
// without a chain connection; answers then stay off-chain.
func New(answers storage.AnswerStore, questions storage.QuestionStore, users storage.UserStore, escrow EscrowPoster, pinner content.Pinner, hub *notify.Hub, confirmations uint64, log *logger.Logger) *Service {
	if confirmations == 0 {
		confirmations = 1
	}
	if log == nil {
		log = logger.NewDefault("answers")
	}
	return &Service{
		answers:       answers,
		questions:     questions,
		users:         users,
		escrow:        escrow,
		pinner:        pinner,
		hub:           hub,
		confirmations: confirmations,
		log:           log,
	}
}

func (s *Service) publish(eventType, entityID string) {
	if s.hub != nil {
		s.hub.Publish(eventType, entityID)
	}
}

// Post creates an answer. For an escrowed question the answer is also
// registered on-chain; the off-chain row is written first so a failed or
// slow transaction never loses the content, only the on-chain id.
func (s *Service) Post(ctx context.Context, questionID, authorID, body string) (answer.Answer, error) {
	if strings.TrimSpace(body) == "" {
		return answer.Answer{}, errors.New("body is required")
	}
	q, err := s.questions.GetQuestion(ctx, questionID)
	if err != nil {
		return answer.Answer{}, err
	}
	if q.Status != question.StatusOpen {
		return answer.Answer{}, errors.New("question is not open for answers")
	}
	if q.AuthorID == authorID {
		return answer.Answer{}, errors.New("authors cannot answer their own question")
	}
	if _, err := s.users.GetUser(ctx, authorID); err != nil {
		return answer.Answer{}, err
	}

	ref, err := s.pinner.Pin(ctx, body)
	if err != nil {
		return answer.Answer{}, err
	}
	a, err := s.answers.CreateAnswer(ctx, answer.Answer{
		QuestionID:  questionID,
		AuthorID:    authorID,
		Body:        body,
		ContentHash: content.Fingerprint(body),
		ContentRef:  ref,
	})
	if err != nil {
		return answer.Answer{}, err
	}
	s.publish(notify.AnswerCreated, a.ID)

	if q.OnChainID != nil && s.escrow != nil {
		if registered, err := s.registerOnChain(ctx, *q.OnChainID, a); err != nil {
			s.log.WithError(err).WithField("answer", a.ID).Warn("on-chain answer registration failed")
		} else {
			a = registered
		}
	}
	return a, nil
}

func (s *Service) registerOnChain(ctx context.Context, chainQID int64, a answer.Answer) (answer.Answer, error) {
	pending, err := s.escrow.PostAnswer(ctx, chainQID, content.URI(a.ContentRef))
	if err != nil {
		return a, err
	}
	receipt, err := s.escrow.AwaitReceipt(ctx, pending, s.confirmations)
	if err != nil {
		return a, err
	}
	posted, ok := chain.FindEvent(receipt.Events, chain.EventAnswerPosted)
	if !ok {
		return a, chain.ErrEventNotFound
	}
	id := posted.AnswerID
	a.OnChainID = &id
	a.UpdatedAt = time.Now().UTC()
	updated, err := s.answers.UpdateAnswer(ctx, a)
	if err != nil {
		return a, err
	}
	s.publish(notify.AnswerUpdated, a.ID)
	return updated, nil
}

// Get returns a single answer.
func (s *Service) Get(ctx context.Context, id string) (answer.Answer, error) {
	return s.answers.GetAnswer(ctx, id)
}

// ListForQuestion returns all non-deleted answers of a question.
func (s *Service) ListForQuestion(ctx context.Context, questionID string) ([]answer.Answer, error) {
	all, err := s.answers.ListAnswers(ctx, questionID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if !a.Deleted {
			out = append(out, a)
		}
	}
	return out, nil
}

// Update edits the answer body. Only the author may edit, and only while
// the question is open and the answer has not won.
func (s *Service) Update(ctx context.Context, id, callerID, body string) (answer.Answer, error) {
	if strings.TrimSpace(body) == "" {
		return answer.Answer{}, errors.New("body is required")
	}
	a, err := s.loadMutable(ctx, id, callerID)
	if err != nil {
		return answer.Answer{}, err
	}

	ref, err := s.pinner.Pin(ctx, body)
	if err != nil {
		return answer.Answer{}, err
	}
	a.Body = body
	a.ContentHash = content.Fingerprint(body)
	a.ContentRef = ref
	updated, err := s.answers.UpdateAnswer(ctx, a)
	if err != nil {
		return answer.Answer{}, err
	}
	s.publish(notify.AnswerUpdated, a.ID)
	return updated, nil
}

// Delete soft-deletes the answer under the same mutability rules as Update.
// The row is kept for the audit trail.
func (s *Service) Delete(ctx context.Context, id, callerID string) error {
	a, err := s.loadMutable(ctx, id, callerID)
	if err != nil {
		return err
	}
	a.Deleted = true
	if _, err := s.answers.UpdateAnswer(ctx, a); err != nil {
		return err
	}
	s.publish(notify.AnswerDeleted, a.ID)
	return nil
}

func (s *Service) loadMutable(ctx context.Context, id, callerID string) (answer.Answer, error) {
	a, err := s.answers.GetAnswer(ctx, id)
	if err != nil {
		return answer.Answer{}, err
	}
	if a.AuthorID != callerID {
		return answer.Answer{}, errors.New("only the author can modify an answer")
	}
	q, err := s.questions.GetQuestion(ctx, a.QuestionID)
	if err != nil {
		return answer.Answer{}, err
	}
	if !a.Mutable(q.Status == question.StatusOpen) {
		return answer.Answer{}, ErrNotMutable
	}
	return a, nil
}
