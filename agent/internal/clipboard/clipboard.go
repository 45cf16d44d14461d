// Package clipboard bridges the OS clipboard to the session layer. The real
// OS watch/read/write mechanism is platform-specific; this package defines
// the Bridge interface and ships an in-memory implementation good enough to
// exercise the echo-suppression contract from spec.md §4.9 without a real
// clipboard.
package clipboard

import (
	"sync"
	"time"
)

// Content is one clipboard payload: either text or an image, never both.
type Content struct {
	Format string // "text" or "image"
	Data   string // text content, or base64-encoded image bytes
}

// suppressWindow bounds how long a SuppressNext armed by Write stays armed
// if the expected OS change notification never arrives, so an unrelated
// later local edit isn't swallowed.
const suppressWindow = 500 * time.Millisecond

// echoState is the bridge's echo-suppression state machine (spec.md §9's
// "Ignore next" redesign): Idle, or SuppressNext with a deadline, auto-
// clearing after one notification or the deadline, whichever comes first.
type echoState int

const (
	echoIdle echoState = iota
	echoSuppressNext
)

// Bridge observes local clipboard changes and accepts remote updates.
type Bridge interface {
	// Read returns the current clipboard content, text preferred over image.
	Read() (Content, error)
	// Write sets the clipboard from a remote update. The resulting local
	// change notification must be suppressed (see suppression state machine
	// below) so it doesn't round-trip back to the sender.
	Write(c Content) error
	// Watch registers the callback invoked on a genuine local clipboard
	// change (i.e. one not caused by a prior Write).
	Watch(onChange func(Content))
}

// Local is the default Bridge: an in-process clipboard plus the
// echo-suppression state machine. A real binding would hook OS clipboard
// change notifications and call onLocalChange from that callback instead of
// SimulateLocalChange.
type Local struct {
	mu       sync.Mutex
	content  Content
	state    echoState
	deadline time.Time // valid only while state == echoSuppressNext
	onChange func(Content)
}

// NewLocal builds an empty Local clipboard bridge.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Read() (Content, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.content, nil
}

func (l *Local) Write(c Content) error {
	l.mu.Lock()
	l.content = c
	l.state = echoSuppressNext
	l.deadline = time.Now().Add(suppressWindow)
	l.mu.Unlock()
	return nil
}

func (l *Local) Watch(onChange func(Content)) {
	l.mu.Lock()
	l.onChange = onChange
	l.mu.Unlock()
}

// SimulateLocalChange reports a clipboard change as the OS would. If the
// change arrives while SuppressNext is still armed (within suppressWindow of
// the triggering Write), it is swallowed once and the state machine returns
// to Idle; a notification arriving after the deadline has already expired
// finds the bridge back in Idle and is forwarded normally.
func (l *Local) SimulateLocalChange(c Content) {
	l.mu.Lock()
	l.content = c
	suppressed := l.state == echoSuppressNext && time.Now().Before(l.deadline)
	l.state = echoIdle
	cb := l.onChange
	l.mu.Unlock()

	if suppressed || cb == nil {
		return
	}
	cb(c)
}
