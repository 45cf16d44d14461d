// Package inject abstracts OS input injection (key and mouse events). Like
// capture, the real mechanism is OS-specific (SendInput on Windows, XTest on
// X11, CGEvent on macOS); this package defines the interface such a binding
// would implement and ships a Recorder implementation that logs and records
// events instead of driving the OS, so the session dispatch logic can be
// built and tested without native bindings.
package inject

import "log/slog"

// Action is one of the gesture kinds spec.md §4.9 names.
type Action string

const (
	ActionPress        Action = "press"
	ActionRelease      Action = "release"
	ActionClick        Action = "click"
	ActionDoubleClick  Action = "double_click"
	ActionMove         Action = "move"
	ActionScroll       Action = "scroll"
)

// Injector drives OS-level keyboard and mouse input.
type Injector interface {
	Key(key string, action Action, modifiers []string) error
	Mouse(x, y int, button string, action Action, scrollDX, scrollDY int) error
	SpecialKey(combo string) error
}

// Event is one injected gesture, as recorded by Recorder.
type Event struct {
	Kind      string // "key", "mouse", "special_key"
	Key       string
	Action    Action
	Modifiers []string
	X, Y      int
	Button    string
	ScrollDX  int
	ScrollDY  int
	Combo     string
}

// Recorder is the default Injector: it validates input the same way a real
// binding would (unknown key names are logged and dropped, per spec.md
// §4.9) and appends accepted events to an in-memory log instead of touching
// the OS.
type Recorder struct {
	knownKeys map[string]struct{}
	Events    []Event
}

// NewRecorder builds a Recorder. knownKeys may be nil, in which case every
// key name is accepted (useful for tests); a real binding would pass its
// platform's key-name table.
func NewRecorder(knownKeys map[string]struct{}) *Recorder {
	return &Recorder{knownKeys: knownKeys}
}

func (r *Recorder) Key(key string, action Action, modifiers []string) error {
	if r.knownKeys != nil {
		if _, ok := r.knownKeys[key]; !ok {
			slog.Warn("inject: unknown key dropped", "key", key)
			return nil
		}
	}
	r.Events = append(r.Events, Event{Kind: "key", Key: key, Action: action, Modifiers: modifiers})
	return nil
}

func (r *Recorder) Mouse(x, y int, button string, action Action, scrollDX, scrollDY int) error {
	r.Events = append(r.Events, Event{Kind: "mouse", X: x, Y: y, Button: button, Action: action, ScrollDX: scrollDX, ScrollDY: scrollDY})
	return nil
}

func (r *Recorder) SpecialKey(combo string) error {
	r.Events = append(r.Events, Event{Kind: "special_key", Combo: combo})
	return nil
}
