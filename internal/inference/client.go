package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/digkill/TGImageBot/internal/config"
)

// retryBackoff is the first delay between attempts; it doubles up to ten times its value.
var retryBackoff = time.Second

var (
	ErrContentFiltered = errors.New("image rejected by provider safety filter")
	ErrEmptyImage      = errors.New("provider returned an empty image")
)

// StatusError is a non-2xx provider response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference error: status=%d body=%s", e.Status, e.Body)
}

// Retryable reports whether the provider asked us to come back later.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type Request struct {
	Prompt  string
	Width   int
	Height  int
	Quality Quality
}

type Image struct {
	Bytes []byte
	Mime  string
	Seed  int64
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	retry      retrypolicy.RetryPolicy[*Image]
	log        *slog.Logger
}

func NewClient(cfg config.Inference, log *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retry: retrypolicy.NewBuilder[*Image]().
			HandleIf(func(_ *Image, err error) bool { return retryable(err) }).
			WithMaxRetries(retries).
			WithBackoff(retryBackoff, 10*retryBackoff).
			WithJitterFactor(0.1).
			ReturnLastFailure().
			Build(),
		log: log,
	}
}

// GenerateImage runs one text-to-image call. Transient provider failures are
// retried within ctx; the caller's deadline bounds all attempts.
func (c *Client) GenerateImage(ctx context.Context, req Request) (*Image, error) {
	payload := map[string]any{
		"prompt":       req.Prompt,
		"width":        req.Width,
		"height":       req.Height,
		"cfg_scale":    req.Quality.CFGScale,
		"sampler":      req.Quality.Sampler,
		"steps":        req.Quality.Steps,
		"samples":      1,
		"seed":         req.Quality.ResolveSeed(),
		"safety_check": req.Quality.SafetyCheck,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	endpoint, err := c.endpoint(req.Quality.Model)
	if err != nil {
		return nil, err
	}
	accept := req.Quality.MimeType()
	if accept == "" {
		accept = "image/jpeg"
	}

	attempt := 0
	return failsafe.With[*Image](c.retry).WithContext(ctx).Get(func() (*Image, error) {
		attempt++
		img, err := c.post(ctx, endpoint, accept, body)
		if err != nil && c.log != nil {
			c.log.Warn("inference attempt failed", "attempt", attempt, "model", req.Quality.Model, "err", err)
		}
		return img, err
	})
}

func (c *Client) endpoint(model string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	return base.JoinPath("inference", "v1", "image_generation", model).String(), nil
}

func (c *Client) post(ctx context.Context, endpoint, accept string, body []byte) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post inference: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("inference request failed", "status", resp.StatusCode, "url", endpoint, "body", truncateBody(raw))
		}
		return nil, &StatusError{Status: resp.StatusCode, Body: truncateBody(raw)}
	}
	if strings.EqualFold(resp.Header.Get("Finish-Reason"), "CONTENT_FILTERED") {
		return nil, ErrContentFiltered
	}
	if len(raw) == 0 {
		return nil, ErrEmptyImage
	}

	mime := resp.Header.Get("Content-Type")
	if idx := strings.Index(mime, ";"); idx > 0 {
		mime = mime[:idx]
	}
	if !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(raw)
		if !strings.HasPrefix(mime, "image/") {
			return nil, fmt.Errorf("unexpected response content type %q: %s", mime, truncateBody(raw))
		}
	}
	seed, _ := strconv.ParseInt(resp.Header.Get("Seed"), 10, 64)

	if c.log != nil {
		c.log.Info("inference completed", "bytes", len(raw), "seed", seed, "took", time.Since(started))
	}
	return &Image{Bytes: raw, Mime: mime, Seed: seed}, nil
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
