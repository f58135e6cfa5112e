package board

import (
	"errors"
	"sync"
	"time"
)

// DefaultFill is the channel value every pixel of a blank board starts with.
const DefaultFill byte = 170

// ErrDimensionMismatch is returned when stored board bytes do not match the
// configured dimensions.
var ErrDimensionMismatch = errors.New("board: stored dimensions differ from configured dimensions")

// Pixel is one dirtied cell reported by DrainDirty.
type Pixel struct {
	X int
	Y int
	R byte
	G byte
	B byte
}

// Writer records the last accepted paint for a pixel.
type Writer struct {
	UID  int
	Time time.Time
}

// Board owns the contiguous W*H*3 RGB grid plus the dirty-pixel coalescer.
// Dimensions are fixed for the lifetime of the board.
type Board struct {
	mu     sync.Mutex
	width  int
	height int
	pixels []byte

	// dirty holds pixel indices in insertion order; dirtyBits marks which
	// indices are already queued so a pixel appears at most once per drain.
	dirty     []int
	dirtyBits []uint64

	writers map[int]Writer
}

// New constructs a blank board filled with the default gray.
func New(width, height int) (*Board, error) {
	if width < 1 || height < 1 {
		return nil, errors.New("board: dimensions must be at least 1x1")
	}
	pixels := make([]byte, width*height*3)
	for i := range pixels {
		pixels[i] = DefaultFill
	}
	return &Board{
		width:     width,
		height:    height,
		pixels:    pixels,
		dirty:     make([]int, 0, 256),
		dirtyBits: make([]uint64, (width*height+63)/64),
	}, nil
}

// Restore constructs a board adopting previously persisted bytes. It fails
// with ErrDimensionMismatch when the stored grid does not fit the requested
// dimensions.
func Restore(width, height int, pixels []byte) (*Board, error) {
	b, err := New(width, height)
	if err != nil {
		return nil, err
	}
	if len(pixels) != width*height*3 {
		return nil, ErrDimensionMismatch
	}
	copy(b.pixels, pixels)
	return b, nil
}

// Width returns the board width in pixels.
func (b *Board) Width() int { return b.width }

// Height returns the board height in pixels.
func (b *Board) Height() int { return b.height }

// TrackWriters enables recording of the last accepted writer per pixel.
func (b *Board) TrackWriters() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writers == nil {
		b.writers = make(map[int]Writer)
	}
}

// Set writes one pixel and queues it for the next broadcast. It returns
// false when the coordinates fall outside the grid.
func (b *Board) Set(x, y int, r, g, bl byte) bool {
	if x < 0 || x >= b.width || y < 0 || y >= b.height {
		return false
	}

	idx := y*b.width + x

	b.mu.Lock()
	off := idx * 3
	b.pixels[off] = r
	b.pixels[off+1] = g
	b.pixels[off+2] = bl
	if b.dirtyBits[idx>>6]&(1<<(uint(idx)&63)) == 0 {
		b.dirtyBits[idx>>6] |= 1 << (uint(idx) & 63)
		b.dirty = append(b.dirty, idx)
	}
	b.mu.Unlock()
	return true
}

// RecordWriter stores the last-writer annotation for a pixel when tracking
// is enabled.
func (b *Board) RecordWriter(x, y, uid int, at time.Time) {
	if x < 0 || x >= b.width || y < 0 || y >= b.height {
		return
	}
	b.mu.Lock()
	if b.writers != nil {
		b.writers[y*b.width+x] = Writer{UID: uid, Time: at}
	}
	b.mu.Unlock()
}

// LastWriter reports the recorded writer for a pixel, if any.
func (b *Board) LastWriter(x, y int) (Writer, bool) {
	if x < 0 || x >= b.width || y < 0 || y >= b.height {
		return Writer{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.writers[y*b.width+x]
	return w, ok
}

// Snapshot copies the grid into a fresh slice so persistence and HTTP reads
// stay safe against concurrent paints.
func (b *Board) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.pixels))
	copy(out, b.pixels)
	return out
}

// DrainDirty returns every pixel dirtied since the previous drain with its
// current color and clears the dirty set. A pixel written twice between
// drains appears once with its latest value.
func (b *Board) DrainDirty() []Pixel {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.dirty) == 0 {
		return nil
	}

	out := make([]Pixel, len(b.dirty))
	for i, idx := range b.dirty {
		off := idx * 3
		out[i] = Pixel{
			X: idx % b.width,
			Y: idx / b.width,
			R: b.pixels[off],
			G: b.pixels[off+1],
			B: b.pixels[off+2],
		}
		b.dirtyBits[idx>>6] &^= 1 << (uint(idx) & 63)
	}
	b.dirty = b.dirty[:0]
	return out
}

// DirtyCount reports how many pixels are queued for the next broadcast.
func (b *Board) DirtyCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dirty)
}
