// Package restprovider implements generation.Adapter for poll-based REST
// generation backends.
//
// The backend accepts POST {base}/generations and answers with an
// operation id; GET {base}/generations/{id} reports its status until it
// is completed or failed.
package restprovider

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

	"github.com/hashicorp/go-cleanhttp"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/generation"
)

// DefaultName is the adapter name used when Config.Name is empty.
const DefaultName = "rest"

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 1 << 20

// Remote statuses
const (
	statusQueued     = "queued"
	statusPending    = "pending"
	statusProcessing = "processing"
	statusInProgress = "in_progress"
	statusCompleted  = "completed"
	statusSucceeded  = "succeeded"
	statusFailed     = "failed"
	statusExpired    = "expired"
	statusCancelled  = "cancelled"
)

// Config configures the adapter.
type Config struct {
	Name           string
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// Adapter talks to a poll-based REST generation backend.
type Adapter struct {
	name    string
	baseURL *url.URL
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

var _ generation.Adapter = (*Adapter)(nil)

// New creates an adapter with a pooled cleanhttp client.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	client := cleanhttp.DefaultPooledClient()
	if cfg.RequestTimeout > 0 {
		client.Timeout = cfg.RequestTimeout
	}
	return NewWithClient(cfg, client, logger)
}

// NewWithClient creates an adapter using client.
func NewWithClient(cfg Config, client *http.Client, logger *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: base URL is required", generation.ErrInvalidConfig)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base URL %q", generation.ErrInvalidConfig, cfg.BaseURL)
	}
	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	return &Adapter{
		name:    name,
		baseURL: base,
		apiKey:  cfg.APIKey,
		client:  client,
		logger:  logger.With("component", "rest_provider", "provider", name),
	}, nil
}

// Name implements generation.Adapter.
func (a *Adapter) Name() string { return a.name }

type createRequest struct {
	Kind      domain.Kind     `json:"kind"`
	Params    json.RawMessage `json:"params"`
	Reference string          `json:"reference"`
}

type operation struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	ResultURL string         `json:"result_url"`
	MIMEType  string         `json:"mime_type"`
	Error     *operationErr  `json:"error"`
	Metadata  map[string]any `json:"metadata"`
}

type operationErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Start implements generation.Adapter.
func (a *Adapter) Start(ctx context.Context, req generation.Request) (generation.Outcome, error) {
	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	body, err := json.Marshal(createRequest{Kind: req.Kind, Params: params, Reference: req.TaskID.String()})
	if err != nil {
		return generation.Outcome{}, generation.Permanent(a.name, "", "failed to encode request", err)
	}

	op, retryAfter, err := a.do(ctx, http.MethodPost, a.endpoint("generations"), body)
	if err != nil {
		return generation.Outcome{}, err
	}

	result, pending, err := a.interpret(op)
	if err != nil {
		return generation.Outcome{}, err
	}
	if !pending {
		return generation.Completed(result), nil
	}
	if op.ID == "" {
		return generation.Outcome{}, generation.Permanent(a.name, "", "pending operation has no id", generation.ErrInvalidResponse)
	}

	a.logger.Debug("generation accepted", "task_id", req.TaskID, "operation_id", op.ID, "status", op.Status)
	out := generation.Pending(op.ID)
	out.RetryAfter = retryAfter
	return out, nil
}

// PollStatus implements generation.Adapter.
func (a *Adapter) PollStatus(ctx context.Context, handle string) (generation.PollOutcome, error) {
	if handle == "" {
		return generation.PollOutcome{}, generation.Permanent(a.name, "", "empty operation handle", generation.ErrInvalidParams)
	}
	op, retryAfter, err := a.do(ctx, http.MethodGet, a.endpoint("generations", handle), nil)
	if err != nil {
		return generation.PollOutcome{}, err
	}
	result, pending, err := a.interpret(op)
	if err != nil {
		return generation.PollOutcome{}, err
	}
	if pending {
		return generation.PollOutcome{RetryAfter: retryAfter}, nil
	}
	return generation.PollOutcome{Result: result}, nil
}

// interpret maps a remote operation onto a result, a pending flag or a
// classified error.
func (a *Adapter) interpret(op *operation) (*domain.Result, bool, error) {
	switch strings.ToLower(strings.TrimSpace(op.Status)) {
	case statusQueued, statusPending, statusProcessing, statusInProgress:
		return nil, true, nil
	case statusCompleted, statusSucceeded:
		if op.ResultURL == "" {
			return nil, false, generation.Permanent(a.name, "", "completed operation has no result", generation.ErrInvalidResponse)
		}
		return &domain.Result{URL: op.ResultURL, MIMEType: op.MIMEType, Metadata: op.Metadata}, false, nil
	case statusFailed, statusExpired, statusCancelled:
		code, msg := op.Status, "generation "+op.Status
		if op.Error != nil {
			if op.Error.Code != "" {
				code = op.Error.Code
			}
			if op.Error.Message != "" {
				msg = op.Error.Message
			}
		}
		return nil, false, generation.Permanent(a.name, code, msg, nil)
	default:
		return nil, false, generation.Permanent(a.name, "", fmt.Sprintf("unknown status %q", op.Status), generation.ErrInvalidResponse)
	}
}

func (a *Adapter) endpoint(parts ...string) string {
	u := *a.baseURL
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	basePath := strings.TrimRight(u.Path, "/")
	baseRaw := strings.TrimRight(u.EscapedPath(), "/")
	u.Path = basePath + "/" + strings.Join(parts, "/")
	u.RawPath = baseRaw + "/" + strings.Join(escaped, "/")
	return u.String()
}

func (a *Adapter) do(ctx context.Context, method, endpoint string, body []byte) (*operation, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, generation.Permanent(a.name, "", "failed to build request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, 0, err
		}
		return nil, 0, generation.Transient(a.name, "", "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, 0, generation.Transient(a.name, strconv.Itoa(resp.StatusCode), "failed to read response", err)
	}
	if len(raw) > maxBodyBytes {
		return nil, 0, generation.Permanent(a.name, strconv.Itoa(resp.StatusCode),
			fmt.Sprintf("response exceeds %d bytes", maxBodyBytes), generation.ErrInvalidResponse)
	}
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())

	if resp.StatusCode >= 300 {
		return nil, 0, a.statusError(resp.StatusCode, raw, retryAfter)
	}

	var op operation
	if err := json.Unmarshal(raw, &op); err != nil {
		// A garbled or cut-off body from a working endpoint is usually a
		// transport fault.
		return nil, 0, generation.Transient(a.name, strconv.Itoa(resp.StatusCode), "malformed response", generation.ErrInvalidResponse)
	}
	return &op, retryAfter, nil
}

// statusError classifies an HTTP failure: throttling and server errors are
// transient, other client errors are permanent.
func (a *Adapter) statusError(code int, body []byte, retryAfter time.Duration) error {
	msg := http.StatusText(code)
	var op operation
	if json.Unmarshal(body, &op) == nil && op.Error != nil && op.Error.Message != "" {
		msg = op.Error.Message
	}
	status := strconv.Itoa(code)

	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		pe := generation.Transient(a.name, status, msg, nil)
		if retryAfter > 0 {
			pe.Message = fmt.Sprintf("%s (retry after %s)", msg, retryAfter)
		}
		return pe
	}
	return generation.Permanent(a.name, status, msg, nil)
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
