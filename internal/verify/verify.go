// Package verify scores farm registrations with deterministic heuristics and
// an optional AI plausibility check.
package verify

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"agripulse.org/internal/ai"
	"agripulse.org/internal/obs"

	"github.com/shopspring/decimal"
)

// AI step outcomes recorded on the decision.
const (
	AIDisabled = "disabled"
	AIPassed   = "passed"
	AIFlagged  = "flagged"
	AISkipped  = "skipped"
)

const (
	maxCompleteness = 25
	maxPractices    = 40
	maxPlausibility = 30
)

var minPrice = decimal.RequireFromString("0.5")

// Input is what the engine sees of a registration draft.
type Input struct {
	ID           string          `json:"id,omitempty"`
	FarmName     string          `json:"farm_name"`
	Location     string          `json:"location"`
	Description  string          `json:"description"`
	CropCategory string          `json:"crop_category"`
	Dunums       float64         `json:"area_dunums"`
	Capacity     int64           `json:"capacity"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	Practices    []string        `json:"practices"`
}

// Breakdown shows how the score was assembled.
type Breakdown struct {
	Completeness int `json:"completeness"`
	Practices    int `json:"practices"`
	Plausibility int `json:"plausibility"`
	AIPenalty    int `json:"ai_penalty"`
	// AIConfidence is -1 when the AI step did not produce a score.
	AIConfidence int `json:"ai_confidence"`
}

// Decision is the verification result. It is never mutated after Evaluate returns.
type Decision struct {
	Score     int       `json:"score"`
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason"`
	Breakdown Breakdown `json:"breakdown"`
	AIStatus  string    `json:"ai_status"`
}

// Options tunes the engine. Zero values fall back to the defaults.
type Options struct {
	Threshold       int
	AIPenalty       int
	AIMinConfidence int
}

// Engine evaluates registrations.
type Engine struct {
	ai   ai.Service
	opts Options
}

// New builds an engine. svc may be nil to disable the AI step.
func New(svc ai.Service, opts Options) *Engine {
	if opts.Threshold <= 0 {
		opts.Threshold = 70
	}
	if opts.AIPenalty <= 0 {
		opts.AIPenalty = 50
	}
	if opts.AIMinConfidence <= 0 {
		opts.AIMinConfidence = 30
	}
	return &Engine{ai: svc, opts: opts}
}

// Threshold returns the approval threshold in use.
func (e *Engine) Threshold() int { return e.opts.Threshold }

// Evaluate always returns a decision. AI failures degrade to a skipped step.
func (e *Engine) Evaluate(ctx context.Context, in Input) Decision {
	var (
		b       Breakdown
		reasons []string
	)
	b.AIConfidence = -1

	b.Completeness, reasons = completeness(in, reasons)
	b.Practices = practiceScore(len(in.Practices))
	if b.Practices < maxPractices {
		reasons = append(reasons, fmt.Sprintf("only %d sustainable practices declared", len(in.Practices)))
	}
	b.Plausibility, reasons = plausibility(in, reasons)

	base := b.Completeness + b.Practices + b.Plausibility
	status := e.aiCheck(ctx, in, &b)
	if status == AIFlagged {
		reasons = append(reasons, fmt.Sprintf("AI plausibility confidence %d is below %d", b.AIConfidence, e.opts.AIMinConfidence))
	}

	score := base - b.AIPenalty
	if score > base {
		score = base
	}
	d := Decision{
		Score:     score,
		Approved:  score >= e.opts.Threshold,
		Breakdown: b,
		AIStatus:  status,
	}
	switch {
	case d.Approved:
		d.Reason = fmt.Sprintf("score %d meets threshold %d", score, e.opts.Threshold)
	case len(reasons) == 0:
		d.Reason = fmt.Sprintf("score %d is below threshold %d", score, e.opts.Threshold)
	default:
		d.Reason = fmt.Sprintf("score %d is below threshold %d: %s", score, e.opts.Threshold, strings.Join(reasons, "; "))
	}
	return d
}

func completeness(in Input, reasons []string) (int, []string) {
	s := 0
	if utf8.RuneCountInString(strings.TrimSpace(in.Location)) >= 3 {
		s += 10
	} else {
		reasons = append(reasons, "location is missing or too short")
	}
	if utf8.RuneCountInString(strings.TrimSpace(in.Description)) >= 30 {
		s += 10
	} else {
		reasons = append(reasons, "description is shorter than 30 characters")
	}
	if strings.TrimSpace(in.CropCategory) != "" {
		s += 5
	} else {
		reasons = append(reasons, "crop category is missing")
	}
	return s, reasons
}

func practiceScore(n int) int {
	switch {
	case n <= 0:
		return 0
	case n == 1:
		return 15
	case n == 2:
		return 25
	default:
		return maxPractices
	}
}

func plausibility(in Input, reasons []string) (int, []string) {
	s := 0
	if in.Dunums > 10 {
		s += 10
	} else {
		reasons = append(reasons, "area is 10 dunums or less")
	}
	if in.Capacity > 1 {
		s += 10
	} else {
		reasons = append(reasons, "computed capacity is too low")
	}
	if in.PriceUSD.GreaterThan(minPrice) {
		s += 10
	} else {
		reasons = append(reasons, "price per credit is 0.5 USD or less")
	}
	return s, reasons
}

const scoreInstruction = `You review carbon-credit farm registrations for plausibility.
Answer with a JSON object {"confidence": <0-100>, "justification": "<one sentence>"}.
Confidence is how likely the submission describes a real farm applying the declared practices.`

func (e *Engine) aiCheck(ctx context.Context, in Input, b *Breakdown) string {
	if e.ai == nil {
		return AIDisabled
	}
	score, err := e.ai.ScoreText(ctx, ai.ScoreRequest{Instruction: scoreInstruction, Input: in})
	if err != nil {
		obs.ObserveAIDegraded("score")
		obs.Logger().WithError(err).WithField("registration_id", in.ID).
			Warn("AI plausibility check failed; skipping penalty")
		return AISkipped
	}
	b.AIConfidence = score.Confidence
	if score.Confidence < e.opts.AIMinConfidence {
		b.AIPenalty = e.opts.AIPenalty
		return AIFlagged
	}
	return AIPassed
}
