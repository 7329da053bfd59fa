package answer

import "time"

// Answer is the off-chain record of an answer to a question. OnChainID is
// set once the posting transaction confirms and the AnswerPosted event is
// decoded. At most one answer per question carries IsBest.
type Answer struct {
	ID          string
	QuestionID  string
	AuthorID    string
	Body        string
	ContentHash string
	ContentRef  string
	IsBest      bool
	OnChainID   *int64
	Deleted     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Mutable reports whether ordinary edits and deletes are still allowed given
// the parent question's openness. A best answer is immutable regardless.
func (a Answer) Mutable(questionOpen bool) bool {
	return questionOpen && !a.IsBest && !a.Deleted
}
