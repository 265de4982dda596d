package cover

import (
	"context"
	"time"
)

// MotionState is the source cover's self-reported motion state.
type MotionState string

// Motion states reported by bridges.
const (
	MotionIdle    MotionState = "idle"
	MotionOpening MotionState = "opening"
	MotionClosing MotionState = "closing"
)

// Features is a bitmask of capabilities a source cover reports.
type Features uint8

// Capability bits. The mapped cover only ever exposes the features it
// actively remaps, so anything beyond position and tilt is masked off.
const (
	FeaturePosition Features = 1 << iota
	FeatureTilt
)

// Has reports whether all bits in f are present.
func (f Features) Has(want Features) bool {
	return f&want == want
}

// SourceState is a snapshot of a source cover's reported state.
//
// Position and Tilt are in the source's native scale. Nil means the
// source has not reported that attribute (or is unavailable); engine
// logic treats nil as "cannot compare, proceed cautiously".
type SourceState struct {
	Available bool
	Position  *int
	Tilt      *int
	Motion    MotionState
	Supports  Features
}

// attribute identifies which SourceState field a wait observes.
type attribute int

const (
	attrPosition attribute = iota
	attrTilt
)

// attr returns the snapshot value for the given attribute.
func (s SourceState) attr(a attribute) *int {
	if a == attrPosition {
		return s.Position
	}
	return s.Tilt
}

// Command identifies an operation dispatched to a source cover.
type Command string

// The fixed command allow-list. callCommand panics on anything else;
// that path is unreachable from the public entry points.
const (
	CommandSetPosition Command = "set_position"
	CommandSetTilt     Command = "set_tilt"
	CommandStop        Command = "stop"
	CommandStopTilt    Command = "stop_tilt"
)

// isSet reports whether the command carries a target value that can be
// confirmed against a state attribute.
func (c Command) isSet() bool {
	return c == CommandSetPosition || c == CommandSetTilt
}

// StateReader provides the current snapshot for a source cover.
// Implementations must be cheap to call and must never block.
type StateReader interface {
	State(sourceID string) SourceState
}

// Dispatcher sends commands to a source cover. value carries the
// device-scale target for set commands and is nil for stops.
// Transport failures are returned as errors and retried by the engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, sourceID string, command Command, value *int) error
}

// StateSubscriber delivers state updates for a source cover.
// The returned function unsubscribes; it must be safe to call once
// from any goroutine and must take effect immediately.
type StateSubscriber interface {
	SubscribeState(sourceID string, fn func(SourceState)) (unsubscribe func(), err error)
}

// Cover is a persisted mapped cover configuration.
//
// Range bounds are in the source cover's scale. The source is addressed
// on the bus as {SourceProtocol}/{SourceAddress}.
type Cover struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	SourceProtocol  string    `json:"source_protocol"`
	SourceAddress   string    `json:"source_address"`
	MinPosition     int       `json:"min_position"`
	MaxPosition     int       `json:"max_position"`
	MinTilt         int       `json:"min_tilt"`
	MaxTilt         int       `json:"max_tilt"`
	CloseTiltIfDown bool      `json:"close_tilt_if_down"`
	TiltDuringMove  bool      `json:"tilt_during_move"`
	ThrottleMs      int       `json:"throttle_ms"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SourceID returns the bus identifier for the underlying source cover.
func (c *Cover) SourceID() string {
	return c.SourceProtocol + "/" + c.SourceAddress
}

// Throttle returns the minimum spacing between commands to the source.
func (c *Cover) Throttle() time.Duration {
	return time.Duration(c.ThrottleMs) * time.Millisecond
}

// Validate checks the configuration for errors.
func (c *Cover) Validate() error {
	if c.Name == "" {
		return ErrNameRequired
	}
	if c.SourceProtocol == "" || c.SourceAddress == "" {
		return ErrSourceRequired
	}
	for _, bound := range []int{c.MinPosition, c.MaxPosition, c.MinTilt, c.MaxTilt} {
		if bound < 0 || bound > 100 {
			return ErrRangeOutOfBounds
		}
	}
	if c.ThrottleMs < 0 {
		return ErrNegativeThrottle
	}
	return nil
}
