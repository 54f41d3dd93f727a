package tunnel

import (
	"errors"
	"sync"
)

var (
	ErrReplayedFrame  = errors.New("duplicate or replayed frame")
	ErrSequenceDesync = errors.New("sequence number outside desync threshold")
)

// desyncThreshold bounds how far ahead of the window a sequence number
// may jump before the session is presumed desynchronized and escalated
// for a re-handshake.
const desyncThreshold = 1 << 20

// replayWindow is a 64-entry sliding bitmap keyed by the highest accepted
// sequence number. Frames below the trailing edge or already marked in
// the bitmap are rejected; forward jumps slide the window.
type replayWindow struct {
	mu     sync.Mutex
	max    uint64
	bitmap uint64
	primed bool
}

// check reports whether seq would be accepted, without committing it.
// accept must be called after the frame authenticates.
func (w *replayWindow) check(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.primed {
		if seq >= desyncThreshold {
			return ErrSequenceDesync
		}
		return nil
	}

	switch {
	case seq > w.max:
		if seq-w.max >= desyncThreshold {
			return ErrSequenceDesync
		}
		return nil
	case w.max-seq >= 64:
		return ErrReplayedFrame
	default:
		if w.bitmap&(uint64(1)<<(w.max-seq)) != 0 {
			return ErrReplayedFrame
		}
		return nil
	}
}

// accept commits seq to the window. Call only after check returned nil
// and the frame's authentication tag verified.
func (w *replayWindow) accept(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.primed {
		w.primed = true
		w.max = seq
		w.bitmap = 1
		return
	}

	switch {
	case seq > w.max:
		shift := seq - w.max
		if shift >= 64 {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.max = seq
	case w.max-seq < 64:
		w.bitmap |= uint64(1) << (w.max - seq)
	}
}

// reset clears all state for a fresh session; the peer's counter starts
// over after a re-handshake.
func (w *replayWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.max = 0
	w.bitmap = 0
	w.primed = false
}
