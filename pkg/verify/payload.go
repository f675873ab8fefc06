package verify

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"

	"github.com/i5heu/ouroboros-relay/pkg/model"
)

const (
	ctxRecordV1        = "OUROBOROS_RECORD_V1"
	ctxRecordDeleteV1  = "OUROBOROS_RECORD_DELETE_V1"
	ctxHandleClaimV1   = "OUROBOROS_HANDLE_CLAIM_V1"
	ctxHandleReserveV1 = "OUROBOROS_HANDLE_RESERVE_V1"
	ctxEpochV1         = "OUROBOROS_EPOCH_V1"
	ctxEnvelopeV1      = "OUROBOROS_ENVELOPE_V1"
	ctxAckV1           = "OUROBOROS_ACK_V1"
	ctxInboxV1         = "OUROBOROS_INBOX_V1"
	ctxChallengeV1     = "OUROBOROS_CHALLENGE_V1"
)

// payload builds a canonical signing payload: the domain
// separation context followed by length-prefixed strings,
// big-endian int64s and SHA3-256 digests of opaque blobs.
type payload struct { // A
	buf []byte
}

func newPayload(ctx string) *payload { // A
	p := &payload{buf: make([]byte, 0, 256)}
	p.buf = append(p.buf, ctx...)
	return p
}

func (p *payload) str(s string) *payload { // A
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //#nosec G115
	p.buf = append(p.buf, lenBuf[:]...)
	p.buf = append(p.buf, s...)
	return p
}

func (p *payload) i64(v int64) *payload { // A
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)) //#nosec G115
	p.buf = append(p.buf, b[:]...)
	return p
}

func (p *payload) digest(blob []byte) *payload { // A
	sum := sha3.Sum256(blob)
	p.buf = append(p.buf, sum[:]...)
	return p
}

// Digest returns the SHA3-256 digest used for opaque blobs.
func Digest(blob []byte) [32]byte { // A
	return sha3.Sum256(blob)
}

// RecordPayload covers every client-supplied field of an
// identity record. Handle is derived and not signed.
func RecordPayload(rec model.IdentityRecord) []byte { // A
	return newPayload(ctxRecordV1).
		str(rec.PublicKeyRoot).
		str(rec.EncryptionKey).
		i64(int64(rec.TrustScore)).
		i64(rec.BreadcrumbCount).
		digest(rec.Payload).
		i64(rec.UpdatedAt).
		buf
}

// RecordDeletePayload authorizes a tombstone.
func RecordDeletePayload(publicKey string, deletedAt int64) []byte { // A
	return newPayload(ctxRecordDeleteV1).
		str(publicKey).
		i64(deletedAt).
		buf
}

// HandleClaimPayload authorizes a permanent claim.
func HandleClaimPayload( // A
	handle, owner string,
	claimedAt int64,
) []byte {
	return newPayload(ctxHandleClaimV1).
		str(handle).
		str(owner).
		i64(claimedAt).
		buf
}

// HandleReservePayload authorizes a soft reservation.
func HandleReservePayload( // A
	handle, owner string,
	requestedAt int64,
) []byte {
	return newPayload(ctxHandleReserveV1).
		str(handle).
		str(owner).
		i64(requestedAt).
		buf
}

// EpochPayload authorizes an epoch commitment. The
// publication time is assigned by the node and not signed.
func EpochPayload( // A
	publicKey string,
	index int64,
	commitmentHash string,
) []byte {
	return newPayload(ctxEpochV1).
		str(publicKey).
		i64(index).
		str(commitmentHash).
		buf
}

// EnvelopePayload is signed by the sender of a message.
func EnvelopePayload( // A
	from, to string,
	ciphertext, nonce []byte,
	createdAt int64,
) []byte {
	return newPayload(ctxEnvelopeV1).
		str(from).
		str(to).
		digest(ciphertext).
		digest(nonce).
		i64(createdAt).
		buf
}

// AckPayload is signed by the recipient of a message.
func AckPayload(id, recipient string, timestamp int64) []byte { // A
	return newPayload(ctxAckV1).
		str(id).
		str(recipient).
		i64(timestamp).
		buf
}

// InboxPayload authorizes an inbox poll.
func InboxPayload(publicKey string, timestamp int64) []byte { // A
	return newPayload(ctxInboxV1).
		str(publicKey).
		i64(timestamp).
		buf
}

// ChallengePayload answers a session challenge.
func ChallengePayload(publicKey, nonce string) []byte { // A
	return newPayload(ctxChallengeV1).
		str(publicKey).
		str(nonce).
		buf
}
