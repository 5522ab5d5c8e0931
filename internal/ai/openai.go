package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Options configures the OpenAI client.
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	ImageModel string
	// RatePerSec throttles outbound calls; zero disables throttling.
	RatePerSec float64
	HTTPClient *http.Client
}

// OpenAI implements Service against the chat completions and images endpoints.
type OpenAI struct {
	baseURL    string
	apiKey     string
	model      string
	imageModel string
	client     *http.Client
	limiter    *rate.Limiter
}

var _ Service = (*OpenAI)(nil)

func NewOpenAI(opts Options) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, errors.New("missing API key")
	}
	c := &OpenAI{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		model:      opts.Model,
		imageModel: opts.ImageModel,
		client:     opts.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.model == "" {
		c.model = "gpt-4o-mini"
	}
	if c.imageModel == "" {
		c.imageModel = "dall-e-3"
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 90 * time.Second}
	}
	if opts.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}
	return c, nil
}

const defaultInstruction = `Rate the plausibility of the submission. Respond with a JSON object {"confidence": <integer 0-100>, "justification": "<one sentence>"}.`

// ScoreText asks the chat model for a JSON object {"confidence", "justification"}.
func (c *OpenAI) ScoreText(ctx context.Context, req ScoreRequest) (Score, error) {
	input, err := json.Marshal(req.Input)
	if err != nil {
		return Score{}, fmt.Errorf("encode input: %w", err)
	}
	instruction := req.Instruction
	if instruction == "" {
		instruction = defaultInstruction
	}
	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": instruction},
			{"role": "user", "content": string(input)},
		},
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	}
	raw, err := c.post(ctx, "/chat/completions", payload)
	if err != nil {
		return Score{}, err
	}
	content := gjson.GetBytes(raw, "choices.0.message.content").String()
	if content == "" {
		return Score{}, ErrEmptyResponse
	}
	conf := gjson.Get(content, "confidence")
	if !conf.Exists() {
		return Score{}, fmt.Errorf("ai: confidence missing in %q", content)
	}
	return Score{
		Confidence:    clamp(int(conf.Int())),
		Justification: gjson.Get(content, "justification").String(),
	}, nil
}

// GenerateImage returns PNG bytes for prompt.
func (c *OpenAI) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	payload := map[string]any{
		"model":           c.imageModel,
		"prompt":          prompt,
		"n":               1,
		"size":            "1024x1024",
		"response_format": "b64_json",
	}
	raw, err := c.post(ctx, "/images/generations", payload)
	if err != nil {
		return nil, err
	}
	b64 := gjson.GetBytes(raw, "data.0.b64_json").String()
	if b64 == "" {
		return nil, ErrEmptyResponse
	}
	img, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func (c *OpenAI) post(ctx context.Context, path string, payload any) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("openai error: %s", msg)
	}
	return raw, nil
}
