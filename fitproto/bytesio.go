package fitproto

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Arch is the byte order a definition message declares for its fields.
type Arch uint8

const (
	LittleEndian Arch = 0
	BigEndian    Arch = 1
)

func (a Arch) ByteOrder() binary.ByteOrder {
	if a == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (a Arch) String() string {
	switch a {
	case LittleEndian:
		return "little"
	case BigEndian:
		return "big"
	default:
		return fmt.Sprintf("arch_%d", uint8(a))
	}
}

// byteReader tracks the absolute stream offset of everything consumed.
type byteReader struct {
	br  *bufio.Reader
	off int64
}

func newByteReader(r io.Reader) *byteReader {
	if br, ok := r.(*bufio.Reader); ok {
		return &byteReader{br: br}
	}
	return &byteReader{br: bufio.NewReader(r)}
}

// readExact returns exactly n bytes or fails; partial reads are never returned.
func (r *byteReader) readExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	m, err := io.ReadFull(r.br, buf)
	r.off += int64(m)
	if err != nil {
		return nil, r.shortRead(n, m, err)
	}
	return buf, nil
}

func (r *byteReader) readUint8() (uint8, error) {
	b, err := r.readExact(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) readUint16(order binary.ByteOrder) (uint16, error) {
	b, err := r.readExact(2)
	if err != nil {
		return 0, err
	}
	return order.Uint16(b), nil
}

func (r *byteReader) peekUint8() (uint8, error) {
	b, err := r.br.Peek(1)
	if err != nil {
		return 0, r.shortRead(1, len(b), err)
	}
	return b[0], nil
}

func (r *byteReader) discard(n int) error {
	m, err := r.br.Discard(n)
	r.off += int64(m)
	if err != nil {
		return r.shortRead(n, m, err)
	}
	return nil
}

func (r *byteReader) shortRead(want, got int, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Malformed(r.off, KindTruncated, "expected %d bytes, got %d", want, got)
	}
	return fmt.Errorf("read at offset %d: %w", r.off, err)
}

// writeExact blocks until every byte of p has been accepted by w.
func writeExact(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

func getUint(order binary.ByteOrder, b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(order.Uint16(b))
	case 4:
		return uint64(order.Uint32(b))
	case 8:
		return order.Uint64(b)
	}
	panic(fmt.Sprintf("fitproto: unsupported integer width %d", len(b)))
}

func putUint(order binary.ByteOrder, b []byte, v uint64) {
	switch len(b) {
	case 1:
		b[0] = uint8(v)
	case 2:
		order.PutUint16(b, uint16(v))
	case 4:
		order.PutUint32(b, uint32(v))
	case 8:
		order.PutUint64(b, v)
	default:
		panic(fmt.Sprintf("fitproto: unsupported integer width %d", len(b)))
	}
}
