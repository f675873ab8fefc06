package apiServer

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/auth"
	"github.com/i5heu/ouroboros-relay/pkg/verify"
)

// Headers carrying the identity and signature of a
// mutating request. The signature covers the canonical
// payload of the operation, which includes the timestamp.
const (
	HeaderPublicKey = "X-Ouroboros-Public-Key"
	HeaderSignature = "X-Ouroboros-Signature"
	HeaderTimestamp = "X-Ouroboros-Timestamp"
)

type signedRequest struct { // A
	PublicKey string
	Signature string
	// Timestamp is Unix milliseconds.
	Timestamp int64
}

// authenticate reads the signature headers and checks the
// timestamp freshness. The operation verifies the
// signature itself against its own payload.
func (s *Server) authenticate(r *http.Request) (signedRequest, error) { // A
	sr := signedRequest{
		PublicKey: r.Header.Get(HeaderPublicKey),
		Signature: r.Header.Get(HeaderSignature),
	}
	rawTs := r.Header.Get(HeaderTimestamp)
	if sr.PublicKey == "" || sr.Signature == "" || rawTs == "" {
		return sr, fmt.Errorf(
			"%w: %s, %s and %s are required",
			apperr.ErrInvalidSignature,
			HeaderPublicKey, HeaderSignature, HeaderTimestamp,
		)
	}
	if err := verify.CheckPublicKey(sr.PublicKey); err != nil {
		return sr, err
	}
	if err := verify.CheckSignature(sr.Signature); err != nil {
		return sr, err
	}
	ts, err := strconv.ParseInt(rawTs, 10, 64)
	if err != nil {
		return sr, fmt.Errorf("%w: timestamp header", apperr.ErrInvalidInput)
	}
	if err := auth.CheckFreshness(s.clock, ts, s.skew); err != nil {
		return sr, err
	}
	sr.Timestamp = ts
	return sr, nil
}

// requireOwner rejects requests signed by a key other
// than the one named in the path.
func requireOwner(sr signedRequest, pathKey string) error { // A
	if sr.PublicKey != pathKey {
		return fmt.Errorf(
			"%w: request signed by %s for %s",
			apperr.ErrInvalidSignature, sr.PublicKey, pathKey,
		)
	}
	return nil
}
