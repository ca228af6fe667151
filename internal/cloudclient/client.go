package cloudclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncwire"
	"go.uber.org/zap"
)

const (
	DefaultPushTimeout      = 15 * time.Second
	DefaultPullTimeout      = 10 * time.Second
	DefaultHeartbeatTimeout = 10 * time.Second
	DefaultHealthTimeout    = 5 * time.Second

	maxResponseBytes = 16 << 20
	contentTypeJSON  = "application/json"
)

var (
	ErrMissingBaseURL = errors.New("cloudclient: base url required")
	ErrMissingSyncKey = errors.New("cloudclient: sync key required")
	ErrMissingSiteID  = errors.New("cloudclient: site id required")

	// ErrUnauthorized means the cloud rejected our key, signature or timestamp.
	ErrUnauthorized = errors.New("cloudclient: unauthorized")
	// ErrRejected means the cloud refused the request as malformed.
	ErrRejected = errors.New("cloudclient: request rejected")
	// ErrUnavailable covers transport failures, timeouts and 5xx responses.
	ErrUnavailable = errors.New("cloudclient: cloud unavailable")
)

// RequestError describes a failed sync call.
type RequestError struct {
	Operation  string
	StatusCode int
	Code       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d (%s): %v", e.Operation, e.StatusCode, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Config describes how the client reaches the cloud endpoint.
type Config struct {
	BaseURL string
	SyncKey string
	// Secret enables HMAC signing when non-empty.
	Secret            string
	SiteID            string
	HTTPClient        *http.Client
	PushTimeout       time.Duration
	PullTimeout       time.Duration
	HeartbeatTimeout  time.Duration
	HealthTimeout     time.Duration
	CompressThreshold int
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Client sends signed push, pull, heartbeat and health requests to the cloud.
//
// A timeout abandons the local wait only. The cloud may still have applied a
// push whose response never arrived, which is why pushes are idempotent upserts.
type Client struct {
	baseURL           *url.URL
	siteID            string
	signer            *auth.RequestSigner
	httpClient        *http.Client
	pushTimeout       time.Duration
	pullTimeout       time.Duration
	heartbeatTimeout  time.Duration
	healthTimeout     time.Duration
	compressThreshold int
	logger            *zap.Logger
}

// New validates configuration and constructs a Client.
func New(cfg Config) (*Client, error) {
	rawURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if rawURL == "" {
		return nil, ErrMissingBaseURL
	}
	baseURL, err := url.Parse(rawURL)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrMissingBaseURL, cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.SyncKey) == "" {
		return nil, ErrMissingSyncKey
	}
	siteID := strings.TrimSpace(cfg.SiteID)
	if siteID == "" {
		return nil, ErrMissingSiteID
	}

	signer, err := auth.NewRequestSigner(auth.RequestSignerConfig{
		KeyID:  cfg.SyncKey,
		Secret: []byte(cfg.Secret),
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.CompressThreshold
	if threshold == 0 {
		threshold = syncwire.DefaultCompressThreshold
	}

	return &Client{
		baseURL:           baseURL,
		siteID:            siteID,
		signer:            signer,
		httpClient:        httpClient,
		pushTimeout:       durationOrDefault(cfg.PushTimeout, DefaultPushTimeout),
		pullTimeout:       durationOrDefault(cfg.PullTimeout, DefaultPullTimeout),
		heartbeatTimeout:  durationOrDefault(cfg.HeartbeatTimeout, DefaultHeartbeatTimeout),
		healthTimeout:     durationOrDefault(cfg.HealthTimeout, DefaultHealthTimeout),
		compressThreshold: threshold,
		logger:            logger,
	}, nil
}

// SiteID returns the site this client pushes for.
func (c *Client) SiteID() string {
	return c.siteID
}

// Push sends one batch of entities.
func (c *Client) Push(ctx context.Context, entities []syncwire.Entity) (syncwire.PushResponse, error) {
	const operation = "cloudclient.push"
	if len(entities) > syncwire.MaxPushBatch {
		return syncwire.PushResponse{}, &RequestError{
			Operation: operation,
			Code:      "batch_too_large",
			Err:       fmt.Errorf("%w: %d entities exceeds %d", ErrRejected, len(entities), syncwire.MaxPushBatch),
		}
	}
	request := syncwire.PushRequest{SiteID: c.siteID, Entities: entities}
	var response syncwire.PushResponse
	if err := c.do(ctx, operation, c.pushTimeout, http.MethodPost, syncwire.PathPush, nil, request, &response); err != nil {
		return syncwire.PushResponse{}, err
	}
	return response, nil
}

// Pull fetches changes since the cursor for the given entity types.
func (c *Client) Pull(ctx context.Context, since time.Time, entityTypes []string) (syncwire.PullResponse, error) {
	query := url.Values{}
	query.Set("since", since.UTC().Format(time.RFC3339Nano))
	query.Set("entities", strings.Join(entityTypes, ","))
	query.Set("siteId", c.siteID)

	var response syncwire.PullResponse
	if err := c.do(ctx, "cloudclient.pull", c.pullTimeout, http.MethodGet, syncwire.PathPull, query, nil, &response); err != nil {
		return syncwire.PullResponse{}, err
	}
	if response.Changes == nil {
		response.Changes = map[string][]json.RawMessage{}
	}
	return response, nil
}

// Heartbeat reports edge status and returns any upgrade directive.
func (c *Client) Heartbeat(ctx context.Context, request syncwire.HeartbeatRequest) (syncwire.HeartbeatResponse, error) {
	request.SiteID = c.siteID
	var response syncwire.HeartbeatResponse
	if err := c.do(ctx, "cloudclient.heartbeat", c.heartbeatTimeout, http.MethodPost, syncwire.PathHeartbeat, nil, request, &response); err != nil {
		return syncwire.HeartbeatResponse{}, err
	}
	return response, nil
}

// Health probes cloud reachability. It satisfies health.Probe.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "cloudclient.health", c.healthTimeout, http.MethodGet, syncwire.PathHealth, nil, nil, nil)
}

func (c *Client) do(ctx context.Context, operation string, timeout time.Duration, method, path string, query url.Values, payload any, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return &RequestError{Operation: operation, Code: "encode_failed", Err: err}
		}
		body = encoded
	}

	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	wireBody, encoding := syncwire.Compress(body, c.compressThreshold)
	var reader io.Reader
	if wireBody != nil {
		reader = bytes.NewReader(wireBody)
	}
	request, err := http.NewRequestWithContext(callCtx, method, endpoint.String(), reader)
	if err != nil {
		return &RequestError{Operation: operation, Code: "request_build_failed", Err: err}
	}
	if body != nil {
		request.Header.Set("Content-Type", contentTypeJSON)
	}
	if encoding != "" {
		request.Header.Set("Content-Encoding", encoding)
	}
	request.Header.Set("Accept", contentTypeJSON)
	c.signer.SignRequest(request, body)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return &RequestError{Operation: operation, Code: "transport", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return &RequestError{Operation: operation, StatusCode: response.StatusCode, Code: "read_failed", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return c.statusError(operation, response.StatusCode, responseBody)
	}

	if out == nil || len(responseBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return &RequestError{Operation: operation, StatusCode: response.StatusCode, Code: "decode_failed", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	return nil
}

func (c *Client) statusError(operation string, statusCode int, body []byte) error {
	var payload syncwire.ErrorResponse
	_ = json.Unmarshal(body, &payload)
	code := payload.Error
	if code == "" {
		code = http.StatusText(statusCode)
	}

	var cause error
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		cause = ErrUnauthorized
	case statusCode >= 500:
		cause = ErrUnavailable
	default:
		cause = ErrRejected
	}
	c.logger.Debug("cloud sync request failed",
		zap.String("operation", operation),
		zap.Int("status", statusCode),
		zap.String("code", code))
	return &RequestError{Operation: operation, StatusCode: statusCode, Code: code, Err: cause}
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
