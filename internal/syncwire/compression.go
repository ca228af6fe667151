package syncwire

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang/snappy"
)

const (
	// EncodingSnappy marks a snappy block-compressed request body.
	EncodingSnappy = "snappy"
	// DefaultCompressThreshold is the body size above which clients compress.
	DefaultCompressThreshold = 8 * 1024
	// MaxBodyBytes bounds decoded request bodies.
	MaxBodyBytes = 8 << 20
)

var ErrBodyTooLarge = errors.New("syncwire: request body too large")

// Compress snappy-encodes bodies above threshold and returns the Content-Encoding
// to send ("" when the body is sent as-is).
func Compress(body []byte, threshold int) ([]byte, string) {
	if threshold <= 0 || len(body) <= threshold {
		return body, ""
	}
	return snappy.Encode(nil, body), EncodingSnappy
}

// ReadBody reads and, when needed, decompresses an inbound request body.
func ReadBody(request *http.Request) ([]byte, error) {
	if request.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(request.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	encoding := strings.ToLower(strings.TrimSpace(request.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return raw, nil
	case EncodingSnappy:
		decodedLen, err := snappy.DecodedLen(raw)
		if err != nil {
			return nil, fmt.Errorf("syncwire: invalid snappy body: %w", err)
		}
		if decodedLen > MaxBodyBytes {
			return nil, ErrBodyTooLarge
		}
		return snappy.Decode(nil, raw)
	default:
		return nil, fmt.Errorf("syncwire: unsupported content encoding %q", encoding)
	}
}
