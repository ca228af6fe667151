package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// HeaderSyncKey carries the shared sync key (cloud) or the sending product (federation).
	HeaderSyncKey = "X-Sync-Key"
	// HeaderSyncTimestamp carries the signing time in unix milliseconds.
	HeaderSyncTimestamp = "X-Sync-Timestamp"
	// HeaderSyncSignature carries the hex encoded HMAC-SHA256 signature.
	HeaderSyncSignature = "X-Sync-Signature"

	// DefaultReplayWindow bounds how far a signed timestamp may drift from the verifier clock.
	DefaultReplayWindow = 5 * time.Minute
)

var (
	ErrMissingSyncKey     = errors.New("request signer: sync key required")
	ErrInvalidSyncKey     = errors.New("request signer: invalid sync key")
	ErrMissingSignature   = errors.New("request signer: signature required")
	ErrInvalidSignature   = errors.New("request signer: invalid signature")
	ErrInvalidTimestamp   = errors.New("request signer: invalid timestamp")
	ErrStaleTimestamp     = errors.New("request signer: timestamp outside replay window")
	ErrMissingSigningPart = errors.New("request signer: key identifier required")
)

// SignaturePayload builds the canonical `timestamp.method.path.body` string.
func SignaturePayload(timestamp, method, path string, body []byte) []byte {
	var builder strings.Builder
	builder.Grow(len(timestamp) + len(method) + len(path) + len(body) + 3)
	builder.WriteString(timestamp)
	builder.WriteByte('.')
	builder.WriteString(strings.ToUpper(method))
	builder.WriteByte('.')
	builder.WriteString(path)
	builder.WriteByte('.')
	builder.Write(body)
	return []byte(builder.String())
}

// Sign returns the hex HMAC-SHA256 of the canonical payload.
func Sign(secret []byte, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(SignaturePayload(timestamp, method, path, body))
	return hex.EncodeToString(mac.Sum(nil))
}

// FormatTimestamp renders a signing timestamp in unix milliseconds.
func FormatTimestamp(at time.Time) string {
	return strconv.FormatInt(at.UnixMilli(), 10)
}

// SignedRequest is the verifier-side view of an inbound signed request.
type SignedRequest struct {
	Timestamp string
	Signature string
	Method    string
	Path      string
	Body      []byte
}

// VerifySignature checks the replay window first, then the HMAC.
func VerifySignature(secret []byte, request SignedRequest, now time.Time, window time.Duration) error {
	if strings.TrimSpace(request.Timestamp) == "" || strings.TrimSpace(request.Signature) == "" {
		return ErrMissingSignature
	}
	millis, err := strconv.ParseInt(strings.TrimSpace(request.Timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	if window <= 0 {
		window = DefaultReplayWindow
	}
	drift := now.Sub(time.UnixMilli(millis))
	if drift < 0 {
		drift = -drift
	}
	if drift > window {
		return ErrStaleTimestamp
	}

	provided, err := hex.DecodeString(strings.TrimSpace(request.Signature))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(SignaturePayload(request.Timestamp, request.Method, request.Path, request.Body))
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// KeysEqual compares shared keys in constant time.
func KeysEqual(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// RequestSignerConfig configures outbound request signing.
type RequestSignerConfig struct {
	// KeyID is sent verbatim in X-Sync-Key.
	KeyID string
	// Secret signs the request; when empty only X-Sync-Key is attached.
	Secret []byte
	Clock  func() time.Time
}

// RequestSigner attaches sync authentication headers to outbound requests.
type RequestSigner struct {
	keyID  string
	secret []byte
	clock  func() time.Time
}

// NewRequestSigner constructs a signer; the key identifier is mandatory.
func NewRequestSigner(cfg RequestSignerConfig) (*RequestSigner, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	if keyID == "" {
		return nil, ErrMissingSigningPart
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &RequestSigner{
		keyID:  keyID,
		secret: append([]byte(nil), cfg.Secret...),
		clock:  clock,
	}, nil
}

// SignRequest sets the sync headers for the given request and its uncompressed body.
func (s *RequestSigner) SignRequest(request *http.Request, body []byte) {
	request.Header.Set(HeaderSyncKey, s.keyID)
	if len(s.secret) == 0 {
		return
	}
	timestamp := FormatTimestamp(s.clock())
	request.Header.Set(HeaderSyncTimestamp, timestamp)
	request.Header.Set(HeaderSyncSignature, Sign(s.secret, timestamp, request.Method, request.URL.RequestURI(), body))
}

// Signs reports whether the signer attaches HMAC signatures.
func (s *RequestSigner) Signs() bool {
	return len(s.secret) > 0
}
