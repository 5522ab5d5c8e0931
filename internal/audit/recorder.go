package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agripulse.org/internal/ledger"
)

// DecisionSummary is the compact verification record appended to the ledger
// audit topic. Rejections are recorded too.
type DecisionSummary struct {
	ID        string    `json:"id"`
	Submitter string    `json:"submitter"`
	Decision  string    `json:"decision"`
	Score     int       `json:"score"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Receipt identifies an appended audit message.
type Receipt struct {
	Topic ledger.TopicID `json:"topic"`
	Ref   ledger.TxRef   `json:"ref"`
}

// Appender is the slice of the ledger gateway the recorder needs.
type Appender interface {
	AppendMessage(ctx context.Context, topic ledger.TopicID, message []byte) (ledger.TxRef, error)
}

// Recorder writes decisions to the ledger audit topic and mirrors them locally.
type Recorder struct {
	ledger Appender
}

func NewRecorder(a Appender) *Recorder {
	return &Recorder{ledger: a}
}

// RecordDecision appends the summary to topic and returns the receipt.
func (r *Recorder) RecordDecision(ctx context.Context, topic ledger.TopicID, s DecisionSummary) (Receipt, error) {
	if topic == "" {
		return Receipt{}, errors.New("audit topic is required")
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode decision summary: %w", err)
	}
	ref, err := r.ledger.AppendMessage(ctx, topic, payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("append audit message: %w", err)
	}
	_ = LogEvent(ctx, "verification.decision", map[string]any{
		"registration_id": s.ID,
		"submitter":       s.Submitter,
		"decision":        s.Decision,
		"score":           s.Score,
		"reason":          s.Reason,
		"topic":           string(topic),
		"ref":             string(ref),
	})
	return Receipt{Topic: topic, Ref: ref}, nil
}
