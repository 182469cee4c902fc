package features

import (
	"errors"
	"fmt"
	"math"
)

// Input bounds. Larger values overflow the higher moments during extraction.
const (
	// MaxBatchEvents caps the number of events accepted in a single batch.
	MaxBatchEvents = 10000
	// MaxTimestamp is the largest accepted event timestamp, in milliseconds.
	MaxTimestamp = 1e15
	// MaxDwellTime is the longest accepted key hold, in milliseconds.
	MaxDwellTime = 3_600_000
	// MaxCoordinate bounds the absolute value of pointer coordinates.
	MaxCoordinate = 1e6
)

// ErrMalformedInput is the sentinel matched by errors.Is for every
// validation failure raised at the ingestion boundary.
var ErrMalformedInput = errors.New("malformed input")

// ValidationError describes the first invalid event in a batch.
type ValidationError struct {
	Field   string
	Index   int
	Message string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("%s[%d]: %s", e.Field, e.Index, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrMalformedInput }

// WireKeystroke is the JSON shape a browser collector sends for a keystroke.
type WireKeystroke struct {
	Type      string   `json:"type"`
	KeyCode   int      `json:"keyCode"`
	Key       string   `json:"key"`
	Timestamp *float64 `json:"timestamp"`
	DwellTime *float64 `json:"dwellTime,omitempty"`
}

// WirePointer is the JSON shape a browser collector sends for a pointer event.
type WirePointer struct {
	Type      string   `json:"type"`
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Timestamp *float64 `json:"timestamp"`
	Button    *int     `json:"button,omitempty"`
}

// WireBatch is the JSON shape of a behavioral data batch.
type WireBatch struct {
	KeystrokeData []WireKeystroke `json:"keystrokeData"`
	MouseData     []WirePointer   `json:"mouseData"`
}

var keyKinds = map[string]KeyKind{
	"keydown": KeyDown,
	"keyup":   KeyUp,
	"down":    KeyDown,
	"up":      KeyUp,
}

var pointerKinds = map[string]PointerKind{
	"mousemove": PointerMove,
	"move":      PointerMove,
	"click":     PointerClick,
	"mousedown": PointerButton,
	"mouseup":   PointerButton,
	"button":    PointerButton,
}

// Decode validates a wire batch and converts it to tagged events.
func (b WireBatch) Decode() (BehavioralData, error) {
	keys, err := DecodeKeystrokes(b.KeystrokeData)
	if err != nil {
		return BehavioralData{}, err
	}
	pointer, err := DecodePointer(b.MouseData)
	if err != nil {
		return BehavioralData{}, err
	}
	return BehavioralData{Keystrokes: keys, Pointer: pointer}, nil
}

// DecodeKeystrokes validates wire keystrokes and converts them to KeyEvents.
func DecodeKeystrokes(in []WireKeystroke) ([]KeyEvent, error) {
	if len(in) > MaxBatchEvents {
		return nil, &ValidationError{Field: "keystrokeData", Index: -1,
			Message: fmt.Sprintf("batch exceeds %d events", MaxBatchEvents)}
	}
	out := make([]KeyEvent, 0, len(in))
	for i, w := range in {
		kind, ok := keyKinds[w.Type]
		if !ok {
			return nil, &ValidationError{Field: "keystrokeData", Index: i,
				Message: fmt.Sprintf("unknown event type %q", w.Type)}
		}
		if w.Timestamp == nil {
			return nil, &ValidationError{Field: "keystrokeData", Index: i, Message: "timestamp is required"}
		}
		ev := KeyEvent{Kind: kind, KeyCode: w.KeyCode, Key: w.Key, Timestamp: *w.Timestamp}
		if w.DwellTime != nil {
			d := *w.DwellTime
			ev.DwellTime = &d
		}
		out = append(out, ev)
	}
	if err := ValidateKeystrokes(out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodePointer validates wire pointer events and converts them to PointerEvents.
func DecodePointer(in []WirePointer) ([]PointerEvent, error) {
	if len(in) > MaxBatchEvents {
		return nil, &ValidationError{Field: "mouseData", Index: -1,
			Message: fmt.Sprintf("batch exceeds %d events", MaxBatchEvents)}
	}
	out := make([]PointerEvent, 0, len(in))
	for i, w := range in {
		kind, ok := pointerKinds[w.Type]
		if !ok {
			return nil, &ValidationError{Field: "mouseData", Index: i,
				Message: fmt.Sprintf("unknown event type %q", w.Type)}
		}
		if w.Timestamp == nil {
			return nil, &ValidationError{Field: "mouseData", Index: i, Message: "timestamp is required"}
		}
		ev := PointerEvent{Kind: kind, X: w.X, Y: w.Y, Timestamp: *w.Timestamp}
		if w.Button != nil {
			b := *w.Button
			ev.Button = &b
		}
		out = append(out, ev)
	}
	if err := ValidatePointer(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateKeystrokes enforces the batch invariants on already-typed events:
// bounded non-negative timestamps that never decrease, and a bounded dwell
// time present only on key-up events.
func ValidateKeystrokes(events []KeyEvent) error {
	if len(events) > MaxBatchEvents {
		return &ValidationError{Field: "keystrokeData", Index: -1,
			Message: fmt.Sprintf("batch exceeds %d events", MaxBatchEvents)}
	}
	prev := math.Inf(-1)
	for i, ev := range events {
		if ev.Kind != KeyDown && ev.Kind != KeyUp {
			return &ValidationError{Field: "keystrokeData", Index: i, Message: "unknown key kind"}
		}
		if err := checkTimestamp("keystrokeData", i, ev.Timestamp, prev); err != nil {
			return err
		}
		prev = ev.Timestamp
		if ev.DwellTime == nil {
			continue
		}
		if ev.Kind != KeyUp {
			return &ValidationError{Field: "keystrokeData", Index: i, Message: "dwellTime is only valid on keyup"}
		}
		if d := *ev.DwellTime; !finite(d) || d < 0 || d > MaxDwellTime {
			return &ValidationError{Field: "keystrokeData", Index: i,
				Message: fmt.Sprintf("dwellTime must be a number in [0, %d]", MaxDwellTime)}
		}
	}
	return nil
}

// ValidatePointer enforces the batch invariants on already-typed pointer events.
func ValidatePointer(events []PointerEvent) error {
	if len(events) > MaxBatchEvents {
		return &ValidationError{Field: "mouseData", Index: -1,
			Message: fmt.Sprintf("batch exceeds %d events", MaxBatchEvents)}
	}
	prev := math.Inf(-1)
	for i, ev := range events {
		switch ev.Kind {
		case PointerMove, PointerClick, PointerButton:
		default:
			return &ValidationError{Field: "mouseData", Index: i, Message: "unknown pointer kind"}
		}
		if err := checkTimestamp("mouseData", i, ev.Timestamp, prev); err != nil {
			return err
		}
		prev = ev.Timestamp
		if !finite(ev.X) || !finite(ev.Y) || math.Abs(ev.X) > MaxCoordinate || math.Abs(ev.Y) > MaxCoordinate {
			return &ValidationError{Field: "mouseData", Index: i, Message: "coordinates must be finite and within bounds"}
		}
	}
	return nil
}

// Validate checks both halves of a batch.
func (d BehavioralData) Validate() error {
	if err := ValidateKeystrokes(d.Keystrokes); err != nil {
		return err
	}
	return ValidatePointer(d.Pointer)
}

func checkTimestamp(field string, i int, ts, prev float64) error {
	if !finite(ts) || ts < 0 || ts > MaxTimestamp {
		return &ValidationError{Field: field, Index: i, Message: "timestamp must be a non-negative number within bounds"}
	}
	if ts < prev {
		return &ValidationError{Field: field, Index: i, Message: "timestamps must be non-decreasing"}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
