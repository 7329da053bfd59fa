package httpapi

import (
	"time"

	"github.com/braintheria/bounty_layer/internal/app/domain/answer"
	"github.com/braintheria/bounty_layer/internal/app/domain/ledger"
	"github.com/braintheria/bounty_layer/internal/app/domain/question"
	"github.com/braintheria/bounty_layer/internal/app/domain/user"
)

// View types render domain records with bounty amounts as decimal strings;
// wei values overflow JSON numbers.

type questionView struct {
	ID            string    `json:"id"`
	AuthorID      string    `json:"authorId"`
	Title         string    `json:"title"`
	Body          string    `json:"body"`
	ContentHash   string    `json:"contentHash"`
	ContentRef    string    `json:"contentRef,omitempty"`
	Status        string    `json:"status"`
	Bounty        string    `json:"bounty"`
	TokenAddress  string    `json:"tokenAddress,omitempty"`
	Deadline      time.Time `json:"deadline"`
	OnChainID     *int64    `json:"onChainId,omitempty"`
	LastTxRef     string    `json:"lastTxRef,omitempty"`
	RefundPending bool      `json:"refundPending,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func newQuestionView(q question.Question) questionView {
	return questionView{
		ID:            q.ID,
		AuthorID:      q.AuthorID,
		Title:         q.Title,
		Body:          q.Body,
		ContentHash:   q.ContentHash,
		ContentRef:    q.ContentRef,
		Status:        string(q.Status),
		Bounty:        q.Bounty().String(),
		TokenAddress:  q.TokenAddress,
		Deadline:      q.Deadline,
		OnChainID:     q.OnChainID,
		LastTxRef:     q.LastTxRef,
		RefundPending: q.RefundPending,
		CreatedAt:     q.CreatedAt,
		UpdatedAt:     q.UpdatedAt,
	}
}

type answerView struct {
	ID          string    `json:"id"`
	QuestionID  string    `json:"questionId"`
	AuthorID    string    `json:"authorId"`
	Body        string    `json:"body"`
	ContentHash string    `json:"contentHash"`
	ContentRef  string    `json:"contentRef,omitempty"`
	IsBest      bool      `json:"isBest"`
	OnChainID   *int64    `json:"onChainId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func newAnswerView(a answer.Answer) answerView {
	return answerView{
		ID:          a.ID,
		QuestionID:  a.QuestionID,
		AuthorID:    a.AuthorID,
		Body:        a.Body,
		ContentHash: a.ContentHash,
		ContentRef:  a.ContentRef,
		IsBest:      a.IsBest,
		OnChainID:   a.OnChainID,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func newAnswerViews(answers []answer.Answer) []answerView {
	out := make([]answerView, 0, len(answers))
	for _, a := range answers {
		out = append(out, newAnswerView(a))
	}
	return out
}

type ledgerView struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Amount     string    `json:"amount"`
	Token      string    `json:"token"`
	QuestionID string    `json:"questionId"`
	UserID     string    `json:"userId"`
	TxRef      string    `json:"txRef,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func newLedgerViews(entries []ledger.Entry) []ledgerView {
	out := make([]ledgerView, 0, len(entries))
	for _, e := range entries {
		amount := "0"
		if e.Amount != nil {
			amount = e.Amount.String()
		}
		out = append(out, ledgerView{
			ID:         e.ID,
			Kind:       string(e.Kind),
			Amount:     amount,
			Token:      e.Token,
			QuestionID: e.QuestionID,
			UserID:     e.UserID,
			TxRef:      e.TxRef,
			CreatedAt:  e.CreatedAt,
		})
	}
	return out
}

type userView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	WalletAddress string    `json:"walletAddress,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func newUserView(u user.User) userView {
	return userView{
		ID:            u.ID,
		Name:          u.Name,
		Email:         u.Email,
		WalletAddress: u.WalletAddress,
		CreatedAt:     u.CreatedAt,
	}
}
