package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/grazelabs/farmsync/internal/offline/store"
)

// HTTPClient talks JSON to the farm API. Connection-level failures map to
// ErrOffline; request timeouts stay plain transient errors, since a slow
// server is not a dead network; HTTP 409 and 422 map to the typed conflict
// and validation errors; everything else is a transient error left for the
// retry machinery.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	log     *log.Logger
}

var _ Remote = (*HTTPClient)(nil)

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) HTTPOption {
	return func(c *HTTPClient) { c.token = token }
}

// WithTimeout overrides the default 30s per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.client.Timeout = d }
}

// WithLogger sets the client's logger.
func WithLogger(logger *log.Logger) HTTPOption {
	return func(c *HTTPClient) { c.log = logger }
}

// NewHTTPClient creates a client for the API at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping checks reachability via GET /healthz.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %d", ErrOffline, resp.StatusCode)
	}
	return nil
}

// do sends the request and classifies transport failures. A timeout means
// the server answered too slowly, so the write it carried must stay in the
// retry machinery; only connection-level failures report ErrOffline and
// abort the batch.
func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err == nil {
		return resp, nil
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return nil, fmt.Errorf("request timed out: %w", err)
	}
	return nil, fmt.Errorf("%w: %w", ErrOffline, err)
}

// applyRequest is the wire form of one replayed write.
type applyRequest struct {
	Scope   string          `json:"scope"`
	Table   string          `json:"table"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// Apply replays one write via POST /writes. The write ID travels in the
// Idempotency-Key header so the server can dedup replays after a lost
// response.
func (c *HTTPClient) Apply(ctx context.Context, w *store.PendingWrite) (*ApplyResult, error) {
	body, err := json.Marshal(applyRequest{
		Scope:   w.Scope,
		Table:   w.Table,
		Op:      string(w.Op),
		Payload: w.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode write %s: %w", w.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/writes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build apply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", w.ID)
	c.authorize(req)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var result ApplyResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode apply response: %w", err)
		}
		return &result, nil

	case http.StatusConflict:
		var payload struct {
			ServerVersion int64 `json:"server_version"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("failed to decode conflict response: %w", err)
		}
		return nil, &ConflictError{ServerVersion: payload.ServerVersion}

	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		var payload struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Reason == "" {
			payload.Reason = resp.Status
		}
		return nil, &ValidationError{Reason: payload.Reason}

	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("apply write %s: server returned %d: %s", w.ID, resp.StatusCode, msg)
	}
}

// Pull fetches records via GET /scopes/{scope}/tables/{table}/records.
func (c *HTTPClient) Pull(ctx context.Context, scope, table string, since time.Time, full bool) (*PullResult, error) {
	u := fmt.Sprintf("%s/scopes/%s/tables/%s/records",
		c.baseURL, url.PathEscape(scope), url.PathEscape(table))

	q := url.Values{}
	if full {
		q.Set("full", "true")
	} else {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pull request: %w", err)
	}
	c.authorize(req)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("pull %s/%s: server returned %d: %s", scope, table, resp.StatusCode, msg)
	}

	var result PullResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}
	c.log.Printf("Pulled %d records for %s/%s (full=%v)", len(result.Records), scope, table, full)
	return &result, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
