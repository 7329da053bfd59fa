// Package httpapi exposes the REST and streaming API. Caller identity is
// taken from the X-User-ID header; authentication is handled by the edge
// proxy in front of this service.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	app "github.com/braintheria/bounty_layer/internal/app"
	"github.com/braintheria/bounty_layer/internal/app/domain/question"
	"github.com/braintheria/bounty_layer/internal/app/services/answers"
	"github.com/braintheria/bounty_layer/internal/app/services/questions"
	"github.com/braintheria/bounty_layer/internal/app/services/users"
	"github.com/braintheria/bounty_layer/internal/app/storage"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the core REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/users", h.users)
	mux.HandleFunc("/users/", h.userResources)
	mux.HandleFunc("/questions", h.questions)
	mux.HandleFunc("/questions/", h.questionResources)
	mux.HandleFunc("/answers/", h.answerResources)
	mux.HandleFunc("/ledger", h.ledger)
	mux.HandleFunc("/leaderboard", h.leaderboard)
	mux.HandleFunc("/events", h.events)
	mux.HandleFunc("/ws", h.websocket)
	mux.HandleFunc("/healthz", h.health)
	return mux
}

func callerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Users -------------------------------------------------------------------

func (h *handler) users(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Name          string `json:"name"`
		Email         string `json:"email"`
		WalletAddress string `json:"walletAddress"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	u, err := h.app.Users.Register(r.Context(), payload.Name, payload.Email, payload.WalletAddress)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserView(u))
}

func (h *handler) userResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/users"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	userID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		u, err := h.app.Users.Get(r.Context(), userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newUserView(u))
		return
	}

	if len(parts) == 2 && parts[1] == "wallet" {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if callerID(r) != userID {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var payload struct {
			WalletAddress string `json:"walletAddress"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		u, err := h.app.Users.BindWallet(r.Context(), userID, payload.WalletAddress)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newUserView(u))
		return
	}

	w.WriteHeader(http.StatusNotFound)
}

// --- Questions ---------------------------------------------------------------

func (h *handler) questions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		caller := callerID(r)
		if caller == "" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("X-User-ID header is required"))
			return
		}
		var payload struct {
			Title  string `json:"title"`
			Body   string `json:"body"`
			Bounty string `json:"bounty"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		bounty, err := parseAmount(payload.Bounty)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		q, err := h.app.Questions.Ask(r.Context(), caller, payload.Title, payload.Body, bounty)
		if err != nil {
			// The question may exist even when the bounty attach failed; the
			// service returns it alongside the error so the caller keeps the id.
			if q.ID != "" {
				writeAskOutcome(w, q, err)
				return
			}
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, newQuestionView(q))

	case http.MethodGet:
		filter := storage.QuestionFilter{
			AuthorID: r.URL.Query().Get("author"),
			Status:   question.Status(r.URL.Query().Get("status")),
			Search:   r.URL.Query().Get("q"),
			Page:     queryInt(r, "page", 1),
			Limit:    queryInt(r, "limit", 20),
		}
		list, total, err := h.app.Questions.List(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		views := make([]questionView, 0, len(list))
		for _, q := range list {
			views = append(views, newQuestionView(q))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"questions": views,
			"total":     total,
			"page":      filter.Page,
		})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) questionResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/questions"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	questionID := parts[0]

	if len(parts) == 1 {
		h.questionByID(w, r, questionID)
		return
	}

	switch parts[1] {
	case "bounty":
		h.questionBounty(w, r, questionID)
	case "accept":
		h.questionAccept(w, r, questionID)
	case "answers":
		h.questionAnswers(w, r, questionID)
	case "ledger":
		h.questionLedger(w, r, questionID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) questionByID(w http.ResponseWriter, r *http.Request, questionID string) {
	switch r.Method {
	case http.MethodGet:
		q, ans, err := h.app.Questions.Get(r.Context(), questionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"question": newQuestionView(q),
			"answers":  newAnswerViews(ans),
		})

	case http.MethodPatch:
		var payload struct {
			Title string `json:"title"`
			Body  string `json:"body"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		q, err := h.app.Questions.UpdateContent(r.Context(), questionID, callerID(r), payload.Title, payload.Body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newQuestionView(q))

	case http.MethodDelete:
		res, err := h.app.Questions.Cancel(r.Context(), questionID, callerID(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"question":      newQuestionView(res.Question),
			"refunded":      res.Refunded,
			"refundPending": res.RefundPending,
			"txRef":         res.TxRef,
		})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) questionBounty(w http.ResponseWriter, r *http.Request, questionID string) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Amount string `json:"amount"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		amount, err := parseAmount(payload.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		q, err := h.app.Questions.AttachBounty(r.Context(), questionID, callerID(r), amount)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newQuestionView(q))

	case http.MethodPatch:
		var payload struct {
			NewTotal string `json:"newTotal"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		newTotal, err := parseAmount(payload.NewTotal)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		q, err := h.app.Questions.ReduceBounty(r.Context(), questionID, callerID(r), newTotal)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newQuestionView(q))

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) questionAccept(w http.ResponseWriter, r *http.Request, questionID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		AnswerID string `json:"answerId"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.app.Questions.AcceptAnswer(r.Context(), questionID, payload.AnswerID, callerID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"question": newQuestionView(res.Question),
		"answer":   newAnswerView(res.Answer),
		"txRef":    res.TxRef,
	})
}

func (h *handler) questionAnswers(w http.ResponseWriter, r *http.Request, questionID string) {
	switch r.Method {
	case http.MethodPost:
		caller := callerID(r)
		if caller == "" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("X-User-ID header is required"))
			return
		}
		var payload struct {
			Body string `json:"body"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		a, err := h.app.Answers.Post(r.Context(), questionID, caller, payload.Body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, newAnswerView(a))

	case http.MethodGet:
		ans, err := h.app.Answers.ListForQuestion(r.Context(), questionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newAnswerViews(ans))

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) questionLedger(w http.ResponseWriter, r *http.Request, questionID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	entries, err := h.app.Ledger.List(r.Context(), questionID, "", queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLedgerViews(entries))
}

// --- Answers -----------------------------------------------------------------

func (h *handler) answerResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/answers"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 1 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	answerID := parts[0]

	switch r.Method {
	case http.MethodGet:
		a, err := h.app.Answers.Get(r.Context(), answerID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newAnswerView(a))

	case http.MethodPatch:
		var payload struct {
			Body string `json:"body"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		a, err := h.app.Answers.Update(r.Context(), answerID, callerID(r), payload.Body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newAnswerView(a))

	case http.MethodDelete:
		if err := h.app.Answers.Delete(r.Context(), answerID, callerID(r)); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// --- Ledger and leaderboard --------------------------------------------------

func (h *handler) ledger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	entries, err := h.app.Ledger.List(r.Context(),
		r.URL.Query().Get("question"),
		r.URL.Query().Get("user"),
		queryInt(r, "limit", 50),
		queryInt(r, "offset", 0))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLedgerViews(entries))
}

func (h *handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	top, err := h.app.Leaderboard.Top(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, top)
}

// --- Helpers -----------------------------------------------------------------

// writeServiceError maps the service error taxonomy onto status codes.
// Pending outcomes are reported as 202 with the intent reference so clients
// can poll instead of retrying the mutation.
func writeServiceError(w http.ResponseWriter, err error) {
	var precondition *questions.PreconditionError
	var reverted *questions.RevertedError
	var pending *questions.PendingError
	var commitPending *questions.CommitPendingError

	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, questions.ErrOperationInFlight):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, answers.ErrNotMutable):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, users.ErrEmailTaken):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, users.ErrInvalidWallet):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &precondition):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.As(err, &reverted):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &pending):
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":   "pending",
			"intentId": pending.IntentID,
			"txRef":    pending.TxRef,
		})
	case errors.As(err, &commitPending):
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":   "confirmed_commit_pending",
			"intentId": commitPending.IntentID,
			"txRef":    commitPending.TxRef,
		})
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// writeAskOutcome reports a failed or pending bounty attach without losing
// the question that was already created.
func writeAskOutcome(w http.ResponseWriter, q question.Question, err error) {
	var precondition *questions.PreconditionError
	var reverted *questions.RevertedError
	var pending *questions.PendingError
	var commitPending *questions.CommitPendingError

	switch {
	case errors.As(err, &pending):
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":   "pending",
			"intentId": pending.IntentID,
			"txRef":    pending.TxRef,
			"question": newQuestionView(q),
		})
	case errors.As(err, &commitPending):
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":   "confirmed_commit_pending",
			"intentId": commitPending.IntentID,
			"txRef":    commitPending.TxRef,
			"question": newQuestionView(q),
		})
	case errors.As(err, &precondition):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":    err.Error(),
			"question": newQuestionView(q),
		})
	case errors.As(err, &reverted):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":    err.Error(),
			"question": newQuestionView(q),
		})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":    err.Error(),
			"question": newQuestionView(q),
		})
	}
}

func parseAmount(s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
