package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/deterministic-vault/vault/internal/vaulterr"
)

// writer accumulates a length-delimited binary record. Every variable
// length field is preceded by a 4-byte little-endian length; every fixed
// width integer is written directly. This keeps the format simple to
// parse incrementally and stable across versions of this package since
// no reflection or schema registry is involved.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = append(w.buf, u32bytes(v)...) }
func (w *writer) u64(v uint64) { w.buf = append(w.buf, u64bytes(v)...) }

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) string(s string) { w.bytes([]byte(s)) }

func (w *writer) bytesField() []byte { return w.buf }

func u32bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// reader parses a length-delimited binary record produced by writer.
type reader struct {
	buf []byte
	pos int
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("%w: truncated u8", vaulterr.ErrInvalidFormat)
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("%w: truncated u32", vaulterr.ErrInvalidFormat)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("%w: truncated u64", vaulterr.ErrInvalidFormat)
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, fmt.Errorf("%w: truncated bytes field", vaulterr.ErrInvalidFormat)
	}
	out := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) done() bool { return r.remaining() == 0 }

// ToListOfByteArrays splits a single encoded record into consecutive
// chunks no larger than maxSize, for records that exceed one segment's
// plaintext budget.
func ToListOfByteArrays(data []byte, maxSize int) [][]byte {
	if maxSize <= 0 {
		return [][]byte{data}
	}
	var out [][]byte
	for len(data) > 0 {
		n := maxSize
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	if len(out) == 0 {
		out = [][]byte{{}}
	}
	return out
}

// FrameForSlots prepends data's length as a 4-byte little-endian header
// before splitting it with ToListOfByteArrays, so a reader pulling parts
// back one slot at a time can tell how many bytes (and thus how many
// slots) the record spans without a separate part-count field. maxPart
// bounds each returned chunk including the header's share of the first
// one.
func FrameForSlots(data []byte, maxPart int) [][]byte {
	framed := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(framed, uint32(len(data)))
	copy(framed[4:], data)
	return ToListOfByteArrays(framed, maxPart)
}

// FrameGatherer reassembles a record written by FrameForSlots from its
// parts, fed one at a time in slot order. It needs only the first part
// to learn the record's total length, so a caller can stop fetching
// further slots as soon as Done reports true.
type FrameGatherer struct {
	buf       []byte
	total     uint32
	haveTotal bool
}

// Feed appends one more part's raw bytes.
func (g *FrameGatherer) Feed(part []byte) {
	g.buf = append(g.buf, part...)
	if !g.haveTotal && len(g.buf) >= 4 {
		g.total = binary.LittleEndian.Uint32(g.buf[:4])
		g.haveTotal = true
	}
}

// Done reports whether enough parts have been fed to recover the full
// record.
func (g *FrameGatherer) Done() bool {
	return g.haveTotal && uint32(len(g.buf)-4) >= g.total
}

// Record returns the reassembled record. Done must report true first.
func (g *FrameGatherer) Record() []byte {
	return g.buf[4 : 4+int(g.total)]
}

// Pending reports whether Feed has been called since the last complete
// Record without yet reaching Done, i.e. a record was started but not
// finished.
func (g *FrameGatherer) Pending() bool {
	return len(g.buf) > 0 && !g.Done()
}
