// Package codec implements the C1 binary period-file format: a 64-byte
// header followed by a stream of length-prefixed records, each dispatched
// by a 4-byte magic to one of the FTCF/FTCO/FTFO binary formats or the
// legacy JSON format.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HeaderMagic identifies a period file. Version 1 only; future formats
// bump Version rather than changing the magic.
const HeaderMagic = "FTCD"

const HeaderSize = 64

// Header is the fixed 64-byte period-file header, per spec.md §4.1.
type Header struct {
	Version    uint16
	RecordSize uint16 // 0 = variable-length records
	Count      uint32
	FirstTS    int64
	LastTS     int64
	Symbol     string // <= 16 bytes UTF-8
	Interval   string // <= 8 bytes UTF-8
}

func (h Header) Marshal() ([]byte, error) {
	if len(h.Symbol) > 16 {
		return nil, fmt.Errorf("codec: symbol %q exceeds 16 bytes", h.Symbol)
	}
	if len(h.Interval) > 8 {
		return nil, fmt.Errorf("codec: interval %q exceeds 8 bytes", h.Interval)
	}

	buf := make([]byte, HeaderSize)
	copy(buf[0:4], HeaderMagic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.RecordSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.Count)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.FirstTS))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(h.LastTS))
	copy(buf[28:44], h.Symbol) // zero-padded by make()
	copy(buf[44:52], h.Interval)
	// buf[52:64] reserved, left zero.
	return buf, nil
}

func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("codec: header must be %d bytes, got %d", HeaderSize, len(buf))
	}
	if !bytes.Equal(buf[0:4], []byte(HeaderMagic)) {
		return Header{}, fmt.Errorf("codec: bad header magic %q", buf[0:4])
	}

	h := Header{
		Version:    binary.LittleEndian.Uint16(buf[4:6]),
		RecordSize: binary.LittleEndian.Uint16(buf[6:8]),
		Count:      binary.LittleEndian.Uint32(buf[8:12]),
		FirstTS:    int64(binary.LittleEndian.Uint64(buf[12:20])),
		LastTS:     int64(binary.LittleEndian.Uint64(buf[20:28])),
		Symbol:     string(bytes.TrimRight(buf[28:44], "\x00")),
		Interval:   string(bytes.TrimRight(buf[44:52], "\x00")),
	}
	return h, nil
}
