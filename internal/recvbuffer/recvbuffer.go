// Package recvbuffer implements a flow-controlled reassembly buffer: data
// arrives at arbitrary absolute offsets, is held until contiguous with
// BaseOffset, and is delivered to the application in order.
// A write beyond the advertised virtual window is a flow-control violation.
package recvbuffer

import (
	"errors"

	"github.com/cppla/quicengine/internal/rangeset"
)

// ErrFlowControlExceeded is returned by Write when the peer sent bytes past
// the advertised virtual window. The caller (CryptoStream or Stream) must
// close the connection with CRYPTO_BUFFER_EXCEEDED or FLOW_CONTROL_ERROR
// respectively.
var ErrFlowControlExceeded = errors.New("recvbuffer: write beyond virtual window")

// Mode selects how the buffer's flow-control window may grow. Every mode
// stores received bytes the same way, in one contiguous slice starting at
// BaseOffset that Write grows on demand; there is no ring buffer and no
// chaining of separate chunks.
type Mode int

const (
	// Circular is the mode used by CryptoStream.
	Circular Mode = iota
	// Multiple is the mode used by Stream; it behaves exactly like Circular.
	Multiple
	// AppOwned lets ProvideChunk extend the virtual window; the new length
	// it returns is what the caller advertises in MAX_STREAM_DATA. The bytes
	// still live in the buffer's own slice, not in application buffers.
	AppOwned
)

// DrainRatio: the window doubles once more than 1/DrainRatio of it has been
// delivered to the app within one RTT.
const DrainRatio = 2

// Buffer is a flow-controlled reassembly buffer.
type Buffer struct {
	mode Mode

	baseOffset    uint64 // first byte not yet delivered to the app
	virtualLength uint64 // high-water mark the peer may reach
	maxWindow     uint64 // ceiling virtualLength may grow to

	// data holds bytes at absolute offsets [baseOffset, baseOffset+len(data)),
	// valid only where covered by received (a disjoint interval list is kept
	// separately to track which parts are actually filled in).
	data     []byte
	received *rangeset.Set // ranges of absolute offsets with data present

	deliveredSinceWindowOpen uint64
	windowOpenedAt           uint64 // caller-supplied monotonic clock tick
}

// New builds a Buffer with an initial virtual window and a ceiling it may
// grow to via the drain-ratio doubling policy.
func New(mode Mode, initialWindow, maxWindow uint64) *Buffer {
	return &Buffer{
		mode:          mode,
		virtualLength: initialWindow,
		maxWindow:     maxWindow,
		received:      rangeset.New(rangeset.AckPackets),
	}
}

// BaseOffset returns the first byte not yet delivered to the app.
func (b *Buffer) BaseOffset() uint64 { return b.baseOffset }

// VirtualLength returns the current flow-control high-water mark.
func (b *Buffer) VirtualLength() uint64 { return b.virtualLength }

// Write stores payload at absolute offset, growing internal storage as
// needed. It returns dataReady=true if bytes are now available to read at
// BaseOffset, and the (possibly unchanged) flow-control high-water mark.
func (b *Buffer) Write(offset uint64, payload []byte) (dataReady bool, newHighWaterMark uint64, err error) {
	end := offset + uint64(len(payload))
	if end > b.virtualLength {
		return false, b.virtualLength, ErrFlowControlExceeded
	}
	if len(payload) > 0 {
		b.ensureCapacity(end)
		rel := offset - b.baseOffset
		copy(b.data[rel:], payload)
		b.received.Insert(offset, uint64(len(payload)))
	}
	lowRange, ok := b.received.Min()
	dataReady = ok && lowRange.Low == b.baseOffset
	return dataReady, b.virtualLength, nil
}

// ensureCapacity grows data to hold up to absolute offset `end`.
func (b *Buffer) ensureCapacity(end uint64) {
	need := int(end - b.baseOffset)
	if need <= len(b.data) {
		return
	}
	grown := make([]byte, need)
	copy(grown, b.data)
	b.data = grown
}

// ReadableLen returns how many contiguous bytes are available to read
// starting at BaseOffset.
func (b *Buffer) ReadableLen() int {
	r, ok := b.received.Min()
	if !ok || r.Low != b.baseOffset {
		return 0
	}
	return int(r.Count)
}

// Read returns up to len(p) contiguous bytes starting at BaseOffset,
// without draining them.
func (b *Buffer) Read(p []byte) int {
	n := b.ReadableLen()
	if n > len(p) {
		n = len(p)
	}
	copy(p[:n], b.data[:n])
	return n
}

// Drain advances BaseOffset by n bytes (which must have been previously
// read), compacting internal storage and applying the window-reopen policy.
// `now` is a caller-supplied monotonic clock tick used for the 1-RTT
// drain-ratio window.
func (b *Buffer) Drain(n uint64, now uint64, rtt uint64) {
	if n == 0 {
		return
	}
	b.baseOffset += n
	b.data = b.data[n:]
	b.received.RemovePrefixBelow(b.baseOffset)
	b.deliveredSinceWindowOpen += n

	if b.windowOpenedAt == 0 {
		b.windowOpenedAt = now
	}
	if now-b.windowOpenedAt <= rtt {
		if b.deliveredSinceWindowOpen*DrainRatio > b.virtualLength && b.virtualLength < b.maxWindow {
			newWindow := b.virtualLength * 2
			if newWindow > b.maxWindow {
				newWindow = b.maxWindow
			}
			b.virtualLength = newWindow
		}
	} else {
		// 1 RTT has elapsed: reset the accounting window.
		b.windowOpenedAt = now
		b.deliveredSinceWindowOpen = 0
	}
}

// ProvideChunk adds capacity for app-owned mode, extending the virtual
// window by chunkLen (bounded by maxWindow) and signalling the caller
// should queue a MAX_STREAM_DATA frame (return value: new virtual length).
func (b *Buffer) ProvideChunk(chunkLen uint64) uint64 {
	if b.mode != AppOwned {
		return b.virtualLength
	}
	newWindow := b.virtualLength + chunkLen
	if newWindow > b.maxWindow {
		newWindow = b.maxWindow
	}
	b.virtualLength = newWindow
	return b.virtualLength
}
