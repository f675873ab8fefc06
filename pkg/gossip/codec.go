package gossip

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
)

// EncodingZstd is the content coding used for sync bodies.
const EncodingZstd = "zstd"

// MaxBodySize bounds a decoded sync body.
const MaxBodySize = 64 << 20

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

// codec returns process-wide encoder and decoder. Their
// EncodeAll and DecodeAll methods are safe for concurrent
// use.
func codec() (*zstd.Encoder, *zstd.Decoder, error) { // A
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil,
			zstd.WithDecoderMaxMemory(MaxBodySize))
	})
	return encoder, decoder, codecErr
}

// AcceptsZstd reports whether the header set advertises
// zstd in Accept-Encoding.
func AcceptsZstd(h http.Header) bool { // A
	for _, v := range h.Values("Accept-Encoding") {
		for _, part := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
			if strings.EqualFold(name, EncodingZstd) {
				return true
			}
		}
	}
	return false
}

// EncodeBody marshals v as JSON, compressed when asked.
func EncodeBody(v any, compress bool) ([]byte, error) { // A
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode sync body: %w", err)
	}
	if !compress {
		return raw, nil
	}
	enc, _, err := codec()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// DecodeBody reads at most MaxBodySize bytes from r and
// unmarshals them into v. Content coding is either empty,
// identity or zstd.
func DecodeBody(r io.Reader, contentEncoding string, v any) error { // A
	raw, err := io.ReadAll(io.LimitReader(r, MaxBodySize+1))
	if err != nil {
		return fmt.Errorf("%w: read sync body: %v", apperr.ErrUnavailable, err)
	}
	if len(raw) > MaxBodySize {
		return fmt.Errorf("%w: sync body too large", apperr.ErrInvalidInput)
	}

	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
	case EncodingZstd:
		_, dec, err := codec()
		if err != nil {
			return fmt.Errorf("zstd decoder: %w", err)
		}
		raw, err = dec.DecodeAll(raw, nil)
		if err != nil {
			return fmt.Errorf("%w: zstd body: %v", apperr.ErrInvalidInput, err)
		}
	default:
		return fmt.Errorf(
			"%w: unsupported content encoding %q",
			apperr.ErrInvalidInput, contentEncoding,
		)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: sync body: %v", apperr.ErrInvalidInput, err)
	}
	return nil
}

// WriteBody writes v as the JSON response to req,
// compressed if req advertised zstd.
func WriteBody( // A
	w http.ResponseWriter,
	req *http.Request,
	status int,
	v any,
) error {
	compress := AcceptsZstd(req.Header)
	body, err := EncodeBody(v, compress)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Add("Vary", "Accept-Encoding")
	if compress {
		w.Header().Set("Content-Encoding", EncodingZstd)
	}
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}
