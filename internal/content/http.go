package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// HTTPPublisher pins content through a remote pinning service.
//
//	POST {endpoint}/pins       multipart "file" part
//	POST {endpoint}/pins/json  application/json body
//
// Both respond with {"cid": "<cid>"}.
type HTTPPublisher struct {
	endpoint string
	token    string
	client   *http.Client
	limiter  *rate.Limiter
}

var _ Publisher = (*HTTPPublisher)(nil)

// HTTPOption configures HTTPPublisher.
type HTTPOption func(*HTTPPublisher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPPublisher) { p.client = c }
}

// WithRateLimit throttles outbound requests. Non-positive disables throttling.
func WithRateLimit(perSec float64) HTTPOption {
	return func(p *HTTPPublisher) {
		if perSec > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

func NewHTTPPublisher(endpoint, token string, opts ...HTTPOption) *HTTPPublisher {
	p := &HTTPPublisher{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPPublisher) PublishBytes(ctx context.Context, data []byte, name, mime string) (Address, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("content: empty payload for %q", name)
	}
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if mime == "" {
		mime = "application/octet-stream"
	}
	h.Set("Content-Type", mime)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return p.post(ctx, "/pins", w.FormDataContentType(), &body)
}

func (p *HTTPPublisher) PublishJSON(ctx context.Context, v any) (Address, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("content: encode json: %w", err)
	}
	return p.post(ctx, "/pins/json", "application/json", bytes.NewReader(buf))
}

func (p *HTTPPublisher) post(ctx context.Context, path, contentType string, body io.Reader) (Address, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("content: pin failed: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	c, err := cid.Decode(gjson.GetBytes(raw, "cid").String())
	if err != nil {
		return "", fmt.Errorf("content: bad cid in response: %w", err)
	}
	return AddressOf(c), nil
}
