// Package envelope implements the signed, timestamped wrapper (C3) used to
// guard every on-disk cache file. It signs with a keyed BLAKE3 MAC — the
// same hash family pkg/hash uses for plain content digests — under a key
// derived via HKDF-SHA256 from the workspace root and a per-install secret,
// so one hash family serves both plain digests and keyed MACs.
package envelope

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

// DefaultMaxAge is the freshness horizon named in spec.md §4.3's default.
const DefaultMaxAge = 30 * 24 * time.Hour

// Envelope is the in-memory form of spec.md's SignedEnvelope: payload,
// timestamp, signature. Signature = MAC(payload ‖ timestampBE).
type Envelope struct {
	Payload   []byte
	Timestamp time.Time
	Signature []byte
}

// Signer signs and verifies envelopes under one workspace-derived key.
type Signer struct {
	key []byte
}

// NewSigner derives a 32-byte key via HKDF-SHA256 over the per-install
// secret salted with the workspace root path, matching the reference cache's
// "workspace-derived key" wording from spec.md §4.3.
func NewSigner(workspaceRoot string, installSecret []byte) (*Signer, error) {
	r := hkdf.New(sha256.New, installSecret, []byte(workspaceRoot), []byte("buildcore-envelope-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return &Signer{key: key}, nil
}

// Sign wraps payload in a signed, timestamped Envelope.
func (s *Signer) Sign(payload []byte) Envelope {
	ts := time.Now()
	return Envelope{Payload: payload, Timestamp: ts, Signature: s.mac(payload, ts)}
}

// Verify recomputes the MAC and compares it in constant time against
// env.Signature, returning false on any mismatch (tampering, wrong key,
// truncated payload).
func (s *Signer) Verify(env Envelope) bool {
	want := s.mac(env.Payload, env.Timestamp)
	if len(want) != len(env.Signature) {
		return false
	}
	return subtle.ConstantTimeCompare(want, env.Signature) == 1
}

// IsExpired reports whether env's timestamp is older than maxAge, even when
// the signature verifies — per spec.md §4.3.
func IsExpired(env Envelope, maxAge time.Duration) bool {
	return time.Since(env.Timestamp) > maxAge
}

// Encode serializes env to the on-disk envelope shape every cache file
// shares: TimestampI64(8) SigLenBE(4) Sig PayloadLenBE(4) Payload.
func Encode(env Envelope) []byte {
	buf := make([]byte, 0, 8+4+len(env.Signature)+4+len(env.Payload))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(env.Timestamp.UnixNano()))
	buf = append(buf, ts[:]...)

	var sigLen [4]byte
	binary.BigEndian.PutUint32(sigLen[:], uint32(len(env.Signature)))
	buf = append(buf, sigLen[:]...)
	buf = append(buf, env.Signature...)

	var payLen [4]byte
	binary.BigEndian.PutUint32(payLen[:], uint32(len(env.Payload)))
	buf = append(buf, payLen[:]...)
	buf = append(buf, env.Payload...)
	return buf
}

// Decode is the inverse of Encode.
func Decode(b []byte) (Envelope, error) {
	if len(b) < 8+4 {
		return Envelope{}, fmt.Errorf("envelope: truncated header")
	}
	ts := int64(binary.BigEndian.Uint64(b[0:8]))
	b = b[8:]

	sigLen := binary.BigEndian.Uint32(b[0:4])
	b = b[4:]
	if uint32(len(b)) < sigLen {
		return Envelope{}, fmt.Errorf("envelope: truncated signature")
	}
	sig := append([]byte(nil), b[:sigLen]...)
	b = b[sigLen:]

	if len(b) < 4 {
		return Envelope{}, fmt.Errorf("envelope: truncated payload length")
	}
	payLen := binary.BigEndian.Uint32(b[0:4])
	b = b[4:]
	if uint32(len(b)) < payLen {
		return Envelope{}, fmt.Errorf("envelope: truncated payload")
	}
	payload := append([]byte(nil), b[:payLen]...)

	return Envelope{Payload: payload, Timestamp: time.Unix(0, ts), Signature: sig}, nil
}

// mac computes MAC(payload ‖ TimestampBE), matching the big-endian
// timestamp encoding Encode/Decode use on the wire (spec.md §6).
func (s *Signer) mac(payload []byte, ts time.Time) []byte {
	h := blake3.New(32, s.key)
	h.Write(payload)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts.UnixNano()))
	h.Write(tsBuf[:])
	return h.Sum(nil)
}
