// Package ai talks to the generative AI service used for plausibility
// scoring and reward artwork.
package ai

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the service answers without usable content.
var ErrEmptyResponse = errors.New("ai: empty response")

// ScoreRequest asks the model to rate a structured submission.
type ScoreRequest struct {
	// Instruction is the system prompt. It must state the JSON answer format;
	// an empty Instruction gets a generic prompt that does.
	Instruction string
	// Input is marshalled to JSON and sent as the user message.
	Input any
}

// Score is the model's verdict. Confidence is clamped to 0..100.
type Score struct {
	Confidence    int    `json:"confidence"`
	Justification string `json:"justification"`
}

// Service is the generative AI contract consumed by the sagas.
type Service interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
	ScoreText(ctx context.Context, req ScoreRequest) (Score, error)
}

func clamp(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
