package keys

import "sync"

// Tracker shares a Keyboard between several readers. A Keyboard reports
// a press once, to whoever queries the key first; the tracker counts the
// presses of every key so that each Reader observes every press.
type Tracker struct {
	kb Keyboard

	mu      sync.Mutex
	presses map[int]uint64
}

// NewTracker returns a tracker reading kb.
func NewTracker(kb Keyboard) *Tracker {
	return &Tracker{kb: kb, presses: make(map[int]uint64)}
}

// poll queries the keyboard. It returns the down state and the number
// of presses counted so far.
func (t *Tracker) poll(code int) (down bool, presses uint64) {
	down, pressed := t.kb.KeyState(code)
	t.mu.Lock()
	if pressed {
		t.presses[code]++
	}
	presses = t.presses[code]
	t.mu.Unlock()
	return down, presses
}

// NewReader returns a reader with its own pressed state. Presses made
// before NewReader are not reported to it.
func (t *Tracker) NewReader() *Reader {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[int]uint64, len(t.presses))
	for code, n := range t.presses {
		seen[code] = n
	}
	return &Reader{t: t, seen: seen}
}

// Reader is one consumer of a Tracker. Querying the down state of a key
// does not consume its presses.
type Reader struct {
	t *Tracker

	mu   sync.Mutex
	seen map[int]uint64
}

// Down reports whether code is down.
func (r *Reader) Down(code int) bool {
	down, _ := r.t.poll(code)
	return down
}

// Pressed reports whether code was pressed since the previous call to
// Pressed or KeyState for the same key.
func (r *Reader) Pressed(code int) bool {
	_, pressed := r.KeyState(code)
	return pressed
}

// KeyState implements Keyboard.
func (r *Reader) KeyState(code int) (down, pressed bool) {
	down, presses := r.t.poll(code)
	r.mu.Lock()
	pressed = presses != r.seen[code]
	r.seen[code] = presses
	r.mu.Unlock()
	return down, pressed
}
