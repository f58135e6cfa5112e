// Package proto implements the binary websocket packet formats. All
// multi-byte integers are little-endian. A single binary frame may carry
// several packets back to back; decoders must consume the frame in sequence.
package proto

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"

	"paintboard/server/internal/board"
)

// Packet tags.
const (
	TagBroadcast   byte = 0xFA // server -> client, one dirtied pixel
	TagPong        byte = 0xFB // client -> server heartbeat reply
	TagPing        byte = 0xFC // server -> client heartbeat probe
	TagPaint       byte = 0xFE // client -> server paint request
	TagPaintResult byte = 0xFF // server -> client paint outcome
)

// Fixed packet sizes.
const (
	PaintPacketLen       = 31
	PaintResultPacketLen = 6
	BroadcastRecordLen   = 8
)

var (
	// ErrTruncated reports a packet shorter than its tag demands.
	ErrTruncated = errors.New("proto: truncated packet")
	// ErrUnknownTag reports a tag outside the protocol tables.
	ErrUnknownTag = errors.New("proto: unknown packet tag")
)

// PaintRequest is a decoded 0xFE packet.
type PaintRequest struct {
	X         int
	Y         int
	R         byte
	G         byte
	B         byte
	UID       int
	Token     string // canonical 8-4-4-4-12 hyphenated hex
	RequestID uint32
}

// DecodePaint parses one 0xFE packet from the head of p. The caller has
// already checked the tag byte.
func DecodePaint(p []byte) (PaintRequest, error) {
	if len(p) < PaintPacketLen {
		return PaintRequest{}, ErrTruncated
	}

	var raw [16]byte
	copy(raw[:], p[11:27])

	return PaintRequest{
		X:         int(binary.LittleEndian.Uint16(p[1:3])),
		Y:         int(binary.LittleEndian.Uint16(p[3:5])),
		R:         p[5],
		G:         p[6],
		B:         p[7],
		UID:       int(uint32(p[8]) | uint32(p[9])<<8 | uint32(p[10])<<16),
		Token:     uuid.UUID(raw).String(),
		RequestID: binary.LittleEndian.Uint32(p[27:31]),
	}, nil
}

// EncodePaint renders a 0xFE packet. Used by test clients; the server only
// decodes this shape.
func EncodePaint(req PaintRequest) ([]byte, error) {
	token, err := uuid.Parse(req.Token)
	if err != nil {
		return nil, err
	}

	p := make([]byte, PaintPacketLen)
	p[0] = TagPaint
	binary.LittleEndian.PutUint16(p[1:3], uint16(req.X))
	binary.LittleEndian.PutUint16(p[3:5], uint16(req.Y))
	p[5] = req.R
	p[6] = req.G
	p[7] = req.B
	p[8] = byte(req.UID)
	p[9] = byte(req.UID >> 8)
	p[10] = byte(req.UID >> 16)
	copy(p[11:27], token[:])
	binary.LittleEndian.PutUint32(p[27:31], req.RequestID)
	return p, nil
}

// AppendPaintResult appends a 0xFF packet carrying the outcome for request
// id and returns the extended slice.
func AppendPaintResult(dst []byte, requestID uint32, code byte) []byte {
	var p [PaintResultPacketLen]byte
	p[0] = TagPaintResult
	binary.LittleEndian.PutUint32(p[1:5], requestID)
	p[5] = code
	return append(dst, p[:]...)
}

// AppendBroadcast appends one 0xFA record for a dirtied pixel and returns
// the extended slice.
func AppendBroadcast(dst []byte, px board.Pixel) []byte {
	var p [BroadcastRecordLen]byte
	p[0] = TagBroadcast
	binary.LittleEndian.PutUint16(p[1:3], uint16(px.X))
	binary.LittleEndian.PutUint16(p[3:5], uint16(px.Y))
	p[5] = px.R
	p[6] = px.G
	p[7] = px.B
	return append(dst, p[:]...)
}

// EncodeBroadcastBatch concatenates one 0xFA record per pixel into a single
// frame ready for fan-out.
func EncodeBroadcastBatch(pixels []board.Pixel) []byte {
	if len(pixels) == 0 {
		return nil
	}
	out := make([]byte, 0, len(pixels)*BroadcastRecordLen)
	for _, px := range pixels {
		out = AppendBroadcast(out, px)
	}
	return out
}
