package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventKind identifies a decoded escrow contract event.
type EventKind string

const (
	EventQuestionAsked     EventKind = "QuestionAsked"
	EventAnswerPosted      EventKind = "AnswerPosted"
	EventAnswerAccepted    EventKind = "AnswerAccepted"
	EventBountyAdded       EventKind = "BountyAdded"
	EventBountyReduced     EventKind = "BountyReduced"
	EventBountyRefunded    EventKind = "BountyRefunded"
	EventQuestionCancelled EventKind = "QuestionCancelled"
)

// Event is a decoded log entry from an escrow contract receipt. Fields not
// carried by a particular event kind are left zero.
type Event struct {
	Kind       EventKind
	QuestionID int64
	AnswerID   int64
	Actor      string // asker, answerer, or refund recipient depending on kind
	Amount     *big.Int
	Token      string
	URI        string
}

type eventDecoder func(types.Log) (Event, error)

// newDecodeTable builds the fixed signature-to-decoder table for the escrow
// contract events. Unknown signatures are skipped during decoding rather
// than treated as errors, since receipts may interleave logs from other
// contracts.
func newDecodeTable(contractABI abi.ABI) map[common.Hash]eventDecoder {
	table := make(map[common.Hash]eventDecoder)

	add := func(name string, kind EventKind, build func(Event, map[string]interface{}) (Event, error)) {
		ev, ok := contractABI.Events[name]
		if !ok {
			panic(fmt.Sprintf("escrow ABI missing event %s", name))
		}
		table[ev.ID] = func(lg types.Log) (Event, error) {
			fields := make(map[string]interface{})

			var indexed abi.Arguments
			for _, arg := range ev.Inputs {
				if arg.Indexed {
					indexed = append(indexed, arg)
				}
			}
			if len(lg.Topics) != len(indexed)+1 {
				return Event{}, fmt.Errorf("%s: expected %d topics, got %d", name, len(indexed)+1, len(lg.Topics))
			}
			if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
				return Event{}, fmt.Errorf("%s: decode topics: %w", name, err)
			}
			if err := contractABI.UnpackIntoMap(fields, name, lg.Data); err != nil {
				return Event{}, fmt.Errorf("%s: decode data: %w", name, err)
			}
			return build(Event{Kind: kind}, fields)
		}
	}

	add("QuestionAsked", EventQuestionAsked, func(ev Event, f map[string]interface{}) (Event, error) {
		ev.QuestionID = bigToID(f["questionId"])
		ev.Actor = addressString(f["asker"])
		ev.Token = addressString(f["token"])
		ev.Amount = bigValue(f["bounty"])
		ev.URI, _ = f["uri"].(string)
		return ev, nil
	})
	add("AnswerPosted", EventAnswerPosted, func(ev Event, f map[string]interface{}) (Event, error) {
		ev.QuestionID = bigToID(f["questionId"])
		ev.AnswerID = bigToID(f["answerId"])
		ev.Actor = addressString(f["answerer"])
		ev.URI, _ = f["uri"].(string)
		return ev, nil
	})
	add("AnswerAccepted", EventAnswerAccepted, func(ev Event, f map[string]interface{}) (Event, error) {
		ev.QuestionID = bigToID(f["questionId"])
		ev.AnswerID = bigToID(f["answerId"])
		ev.Actor = addressString(f["answerer"])
		ev.Amount = bigValue(f["bounty"])
		ev.Token = addressString(f["token"])
		return ev, nil
	})
	add("BountyAdded", EventBountyAdded, func(ev Event, f map[string]interface{}) (Event, error) {
		ev.QuestionID = bigToID(f["questionId"])
		ev.Amount = bigValue(f["amount"])
		ev.Token = addressString(f["token"])
		return ev, nil
	})
	add("BountyReduced", EventBountyReduced, func(ev Event, f map[string]interface{}) (Event, error) {
		ev.QuestionID = bigToID(f["questionId"])
		ev.Amount = bigValue(f["newTotal"])
		ev.Token = addressString(f["token"])
		return ev, nil
	})
	add("BountyRefunded", EventBountyRefunded, func(ev Event, f map[string]interface{}) (Event, error) {
		ev.QuestionID = bigToID(f["questionId"])
		ev.Actor = addressString(f["to"])
		ev.Amount = bigValue(f["amount"])
		ev.Token = addressString(f["token"])
		return ev, nil
	})
	add("QuestionCancelled", EventQuestionCancelled, func(ev Event, f map[string]interface{}) (Event, error) {
		ev.QuestionID = bigToID(f["questionId"])
		ev.Actor = addressString(f["by"])
		return ev, nil
	})

	return table
}

func bigToID(v interface{}) int64 {
	if b, ok := v.(*big.Int); ok && b.IsInt64() {
		return b.Int64()
	}
	return 0
}

func bigValue(v interface{}) *big.Int {
	if b, ok := v.(*big.Int); ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func addressString(v interface{}) string {
	if a, ok := v.(common.Address); ok {
		return a.Hex()
	}
	return ""
}

// FindEvent returns the first decoded event of the given kind.
func FindEvent(events []Event, kind EventKind) (Event, bool) {
	for _, ev := range events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}
