// Package features turns raw keystroke and pointer event streams into
// fixed-size numeric feature vectors.
//
// Extraction is pure: the same batch always yields a bit-identical Vector,
// and a batch that carries too little signal for a group yields that
// group's defaults (zero) instead of an error.
package features

// KeyKind distinguishes key-down from key-up events.
type KeyKind string

const (
	KeyDown KeyKind = "down"
	KeyUp   KeyKind = "up"
)

// PointerKind distinguishes pointer moves, clicks and raw button transitions.
type PointerKind string

const (
	PointerMove   PointerKind = "move"
	PointerClick  PointerKind = "click"
	PointerButton PointerKind = "button"
)

// KeyEvent is a single keystroke observation. Timestamp is in milliseconds.
// DwellTime is only set on key-up events.
type KeyEvent struct {
	Kind      KeyKind
	KeyCode   int
	Key       string
	Timestamp float64
	DwellTime *float64
}

// PointerEvent is a single pointer observation. Timestamp is in milliseconds.
// Button is only meaningful on click and button events.
type PointerEvent struct {
	Kind      PointerKind
	X         float64
	Y         float64
	Timestamp float64
	Button    *int
}

// BehavioralData is one batch of keystroke and pointer activity.
type BehavioralData struct {
	Keystrokes []KeyEvent
	Pointer    []PointerEvent
}

// Empty reports whether the batch carries no events at all.
func (d BehavioralData) Empty() bool {
	return len(d.Keystrokes) == 0 && len(d.Pointer) == 0
}

// EventCount returns the total number of events in the batch.
func (d BehavioralData) EventCount() int {
	return len(d.Keystrokes) + len(d.Pointer)
}

// Dwell returns a pointer to ms, for building key-up events.
func Dwell(ms float64) *float64 {
	return &ms
}
