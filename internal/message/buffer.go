package message

import (
	"encoding/binary"
	"fmt"

	"github.com/dashingfabric/mailbox/internal/opm"
)

// MaxMessageLength bounds the wire size of a single message (spec §3).
const MaxMessageLength = 64 * 1024

// Buffer is a byte buffer with an insertion pointer (for building a
// frame to send) and an extraction pointer (for reading one back), always
// in network byte order for its primitive inserters (spec §3). It embeds
// opm.ObjectBase so it can be allocated through an OPM pool on the hot
// path, and implements opm.Object via the promoted (unexported) PoolID
// bookkeeping plus its own Clean.
type Buffer struct {
	opm.ObjectBase
	data []byte
	rpos int
}

// NewBuffer constructs a buffer not backed by any pool — used by callers
// outside the hot path (tests, one-off admin messages).
func NewBuffer() *Buffer {
	return &Buffer{ObjectBase: opm.NewObjectBase()}
}

// Clean resets the buffer for reuse — the Clean hook OPM invokes on
// release (spec §4.1 release algorithm).
func (b *Buffer) Clean() {
	b.data = b.data[:0]
	b.rpos = 0
}

// Reset is an alias for Clean for callers that don't go through OPM.
func (b *Buffer) Reset() { b.Clean() }

// Bytes returns the buffer's current contents.
func (b *Buffer) Bytes() []byte { return b.data }

// SetBytes replaces the buffer's contents and rewinds the read pointer —
// used when a frame is received off the wire into a fresh buffer.
func (b *Buffer) SetBytes(p []byte) {
	b.data = append(b.data[:0], p...)
	b.rpos = 0
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return len(b.data) - b.rpos }

// Remaining reports whether any bytes remain to be extracted — used to
// detect the optional trailing priority field (spec §4.6).
func (b *Buffer) Remaining() bool { return b.rpos < len(b.data) }

func (b *Buffer) checkCapacity(n int) error {
	if len(b.data)+n > MaxMessageLength {
		return fmt.Errorf("message buffer overflow: %d + %d > %d", len(b.data), n, MaxMessageLength)
	}
	return nil
}

func (b *Buffer) PutUint16(v uint16) error {
	if err := b.checkCapacity(2); err != nil {
		return err
	}
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.data = append(b.data, tmp[:]...)
	return nil
}

func (b *Buffer) PutUint32(v uint32) error {
	if err := b.checkCapacity(4); err != nil {
		return err
	}
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.data = append(b.data, tmp[:]...)
	return nil
}

func (b *Buffer) PutUint64(v uint64) error {
	if err := b.checkCapacity(8); err != nil {
		return err
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.data = append(b.data, tmp[:]...)
	return nil
}

func (b *Buffer) PutString(s string) error {
	if err := b.PutUint16(uint16(len(s))); err != nil {
		return err
	}
	return b.PutBytes([]byte(s))
}

func (b *Buffer) PutBytes(p []byte) error {
	if err := b.checkCapacity(len(p)); err != nil {
		return err
	}
	b.data = append(b.data, p...)
	return nil
}

func (b *Buffer) GetUint16() (uint16, error) {
	if b.rpos+2 > len(b.data) {
		return 0, fmt.Errorf("message buffer underflow reading uint16")
	}
	v := binary.BigEndian.Uint16(b.data[b.rpos:])
	b.rpos += 2
	return v, nil
}

func (b *Buffer) GetUint32() (uint32, error) {
	if b.rpos+4 > len(b.data) {
		return 0, fmt.Errorf("message buffer underflow reading uint32")
	}
	v := binary.BigEndian.Uint32(b.data[b.rpos:])
	b.rpos += 4
	return v, nil
}

func (b *Buffer) GetUint64() (uint64, error) {
	if b.rpos+8 > len(b.data) {
		return 0, fmt.Errorf("message buffer underflow reading uint64")
	}
	v := binary.BigEndian.Uint64(b.data[b.rpos:])
	b.rpos += 8
	return v, nil
}

func (b *Buffer) GetString() (string, error) {
	n, err := b.GetUint16()
	if err != nil {
		return "", err
	}
	p, err := b.GetBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func (b *Buffer) GetBytes(n int) ([]byte, error) {
	if b.rpos+n > len(b.data) {
		return nil, fmt.Errorf("message buffer underflow reading %d bytes", n)
	}
	p := b.data[b.rpos : b.rpos+n]
	b.rpos += n
	return p, nil
}
