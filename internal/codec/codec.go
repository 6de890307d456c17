// Package codec implements the big-endian, length-prefixed binary grammar
// from spec.md §6: the magic/version header check plus the small set of
// primitive writers/readers (strings, maps of strings) that TargetCache,
// ActionCache, and GraphCache build their record formats on top of. The
// signed Envelope wrapper itself lives in pkg/envelope.
//
// Deliberately hand-rolled rather than reflection-based (no encoding/gob,
// no protobuf): the wire grammar is fixed by spec.md and must stay
// byte-for-byte stable across versions, which a reflection-driven codec
// cannot guarantee once struct fields are reordered.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Writer accumulates a payload using the primitives spec.md §6 names.
type Writer struct {
	buf bytes.Buffer
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

func (w *Writer) WriteUint8(v uint8)   { w.buf.WriteByte(v) }
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}
func (w *Writer) WriteUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}
func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}
func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}
func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

// WriteString writes a length-prefixed UTF-8 string: LenBE(4) Bytes[Len].
func (w *Writer) WriteString(s string) {
	w.WriteUint32(uint32(len(s)))
	w.buf.WriteString(s)
}

// WriteStringMap writes the MetadataSidecar repeated-pair shape:
// CountBE(4) (StrLenBE(4) Bytes StrLenBE(4) Bytes)*
func (w *Writer) WriteStringMap(m map[string]string) {
	w.WriteUint32(uint32(len(m)))
	for k, v := range m {
		w.WriteString(k)
		w.WriteString(v)
	}
}

// Reader consumes a payload using the mirror-image primitives of Writer.
type Reader struct {
	r   *bytes.Reader
	err error
}

func NewReader(b []byte) *Reader { return &Reader{r: bytes.NewReader(b)} }

func (r *Reader) Err() error { return r.err }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) ReadUint8() uint8 {
	if r.err != nil {
		return 0
	}
	b, err := r.r.ReadByte()
	if err != nil {
		r.fail(err)
		return 0
	}
	return b
}

func (r *Reader) ReadBool() bool { return r.ReadUint8() != 0 }

func (r *Reader) ReadUint16() uint16 {
	var b [2]byte
	r.readFull(b[:])
	return binary.BigEndian.Uint16(b[:])
}
func (r *Reader) ReadUint32() uint32 {
	var b [4]byte
	r.readFull(b[:])
	return binary.BigEndian.Uint32(b[:])
}
func (r *Reader) ReadUint64() uint64 {
	var b [8]byte
	r.readFull(b[:])
	return binary.BigEndian.Uint64(b[:])
}
func (r *Reader) ReadInt64() int64 { return int64(r.ReadUint64()) }

func (r *Reader) readFull(b []byte) {
	if r.err != nil {
		return
	}
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.fail(err)
	}
}

func (r *Reader) ReadString() string {
	n := r.ReadUint32()
	if r.err != nil {
		return ""
	}
	b := make([]byte, n)
	r.readFull(b)
	return string(b)
}

func (r *Reader) ReadStringMap() map[string]string {
	n := r.ReadUint32()
	if r.err != nil {
		return nil
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k := r.ReadString()
		v := r.ReadString()
		if r.err != nil {
			return nil
		}
		m[k] = v
	}
	return m
}

// Magic values from spec.md §6.
var (
	MagicTargetCache = [4]byte{'T', 'C', 'R', 'H'}
	MagicActionCache = [4]byte{'A', 'C', 'R', 'H'}
	MagicGraphCache  = [4]byte{'B', 'G', 'R', 'F'}
)

// ErrUnknownVersion signals a Version byte this build doesn't recognize;
// per spec.md §6, callers must treat this as a miss and rewrite.
var ErrUnknownVersion = fmt.Errorf("codec: unknown version byte")

// CheckMagicVersion validates a record's 4-byte magic and 1-byte version,
// returning the remaining bytes (past the 5-byte header) on success.
func CheckMagicVersion(b []byte, magic [4]byte, wantVersion uint8) ([]byte, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("codec: truncated header")
	}
	if [4]byte{b[0], b[1], b[2], b[3]} != magic {
		return nil, fmt.Errorf("codec: bad magic")
	}
	if b[4] != wantVersion {
		return nil, ErrUnknownVersion
	}
	return b[5:], nil
}
