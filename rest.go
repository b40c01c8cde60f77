package chatsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Backend is the REST side of the chat service.
type Backend interface {
	HistoryFetcher
	DirectoryFetcher
	SendMessage(ctx context.Context, req *SendRequest) (*Message, error)
	UploadFile(ctx context.Context, peerID, fileName string, data []byte) (*Message, error)
	ToggleReaction(ctx context.Context, messageID, emoji string) ([]Reaction, error)
	DeleteMessage(ctx context.Context, messageID string) error
	SearchPeers(ctx context.Context, query string) ([]Peer, error)
}

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second

	// MaxUploadSize bounds UploadFile.
	MaxUploadSize = 25 * 1024 * 1024
)

// ============================================================================
// HTTPBackend
// ============================================================================

// HTTPBackend implements Backend over the console's JSON API. Calls pass
// through a circuit breaker that opens after repeated transport or 5xx
// failures; 4xx responses do not count against it.
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	log        zerolog.Logger
	cb         *gobreaker.CircuitBreaker[[]byte]

	mu    sync.RWMutex
	token string
}

// BackendOption configures an HTTPBackend.
type BackendOption func(*HTTPBackend)

// WithBaseURL sets the API root. A trailing slash is ignored.
func WithBaseURL(u string) BackendOption {
	return func(b *HTTPBackend) { b.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the per-request timeout. It is applied to a copy of the
// HTTP client, so a client passed to WithHTTPClient is never modified.
func WithTimeout(timeout time.Duration) BackendOption {
	return func(b *HTTPBackend) { b.timeout = timeout }
}

// WithHTTPClient sets the HTTP client. nil keeps the default client.
func WithHTTPClient(client *http.Client) BackendOption {
	return func(b *HTTPBackend) { b.httpClient = client }
}

// WithBackendLogger sets the logger used for breaker state changes and
// request failures.
func WithBackendLogger(log zerolog.Logger) BackendOption {
	return func(b *HTTPBackend) { b.log = log.With().Str("component", "rest").Logger() }
}

// NewHTTPBackend creates a backend authenticating with token.
func NewHTTPBackend(token string, opts ...BackendOption) *HTTPBackend {
	b := &HTTPBackend{
		token:   token,
		baseURL: DefaultBaseURL,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	switch {
	case b.httpClient == nil:
		timeout := b.timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		b.httpClient = &http.Client{Timeout: timeout}
	case b.timeout > 0:
		c := *b.httpClient
		c.Timeout = b.timeout
		b.httpClient = &c
	}
	b.cb = newBreaker("chat-rest", b.log)
	return b
}

func newBreaker(name string, log zerolog.Logger) *gobreaker.CircuitBreaker[[]byte] {
	CircuitBreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Status < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
}

// SetToken swaps the bearer token used for later requests.
func (b *HTTPBackend) SetToken(token string) {
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
}

func (b *HTTPBackend) bearer() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.token
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (b *HTTPBackend) doRequest(ctx context.Context, op, method, path string, body interface{}, query url.Values) ([]byte, error) {
	var (
		payload     []byte
		contentType string
	)
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		contentType = "application/json"
	}
	return b.do(ctx, op, method, path, query, payload, contentType)
}

func (b *HTTPBackend) do(ctx context.Context, op, method, path string, query url.Values, payload []byte, contentType string) ([]byte, error) {
	u := b.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	data, err := b.cb.Execute(func() ([]byte, error) {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		if tok := b.bearer(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}

		resp, err := b.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, parseAPIError(resp.StatusCode, raw)
		}
		return raw, nil
	})

	if err != nil {
		RESTRequests.WithLabelValues(op, "error").Inc()
		b.log.Debug().Err(err).Str("op", op).Str("method", method).Str("path", path).Msg("request failed")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	RESTRequests.WithLabelValues(op, "ok").Inc()
	return data, nil
}

func parseAPIError(status int, raw []byte) *APIError {
	apiErr := &APIError{Status: status}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Detail
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Backend methods
// ============================================================================

func (b *HTTPBackend) Conversations(ctx context.Context) (*DirectorySnapshot, error) {
	data, err := b.doRequest(ctx, "conversations", http.MethodGet, "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[DirectorySnapshot](data)
}

func (b *HTTPBackend) Messages(ctx context.Context, peerID string, skip, limit int) (*HistoryPage, error) {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(skip))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	data, err := b.doRequest(ctx, "messages", http.MethodGet, "/api/chat/messages/"+url.PathEscape(peerID), nil, q)
	if err != nil {
		return nil, err
	}
	return decodeJSON[HistoryPage](data)
}

func (b *HTTPBackend) SendMessage(ctx context.Context, req *SendRequest) (*Message, error) {
	data, err := b.doRequest(ctx, "send", http.MethodPost, "/api/chat/messages", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

func (b *HTTPBackend) UploadFile(ctx context.Context, peerID, fileName string, data []byte) (*Message, error) {
	if fileName == "" {
		return nil, fmt.Errorf("upload: fileName is required")
	}
	if len(data) > MaxUploadSize {
		return nil, fmt.Errorf("upload: file exceeds maximum size of %d bytes", MaxUploadSize)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	raw, err := b.do(ctx, "upload", http.MethodPost, "/api/chat/messages/"+url.PathEscape(peerID)+"/files", nil, buf.Bytes(), mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](raw)
}

func (b *HTTPBackend) ToggleReaction(ctx context.Context, messageID, emoji string) ([]Reaction, error) {
	data, err := b.doRequest(ctx, "react", http.MethodPost,
		"/api/chat/messages/"+url.PathEscape(messageID)+"/reactions", map[string]string{"emoji": emoji}, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Reactions []Reaction `json:"reactions"`
	}](data)
	if err != nil {
		return nil, err
	}
	return res.Reactions, nil
}

func (b *HTTPBackend) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := b.doRequest(ctx, "delete", http.MethodDelete, "/api/chat/messages/"+url.PathEscape(messageID), nil, nil)
	return err
}

func (b *HTTPBackend) SearchPeers(ctx context.Context, query string) ([]Peer, error) {
	q := url.Values{}
	q.Set("q", query)
	data, err := b.doRequest(ctx, "search", http.MethodGet, "/api/chat/users/search", nil, q)
	if err != nil {
		return nil, err
	}
	peers, err := decodeJSON[[]Peer](data)
	if err != nil {
		return nil, err
	}
	return *peers, nil
}
