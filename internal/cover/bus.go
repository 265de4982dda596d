package cover

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nerrad567/mappedcover/internal/infrastructure/logging"
	"github.com/nerrad567/mappedcover/internal/infrastructure/mqtt"
)

// busTransport is the slice of the MQTT client the bus needs.
// *mqtt.Client satisfies it; tests substitute a fake.
type busTransport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Bus connects the convergence engines to the Gray Logic MQTT bus.
//
// It implements StateReader, Dispatcher, and StateSubscriber: bridge
// state publications are decoded and cached per source, commands are
// published to the source's command topic, and state updates fan out
// to engine subscribers. It also publishes each mapped cover's
// user-scale state to its retained state topic.
type Bus struct {
	transport busTransport
	qos       byte
	logger    *logging.Logger

	mu      sync.RWMutex
	states  map[string]SourceState
	subs    map[string]map[int]func(SourceState)
	nextSub int
}

// NewBus creates a bus facade over the given MQTT transport.
func NewBus(transport busTransport, qos byte, logger *logging.Logger) *Bus {
	return &Bus{
		transport: transport,
		qos:       qos,
		logger:    logger.With("component", "bus"),
		states:    make(map[string]SourceState),
		subs:      make(map[string]map[int]func(SourceState)),
	}
}

// Start subscribes to all bridge state topics. Call once after the
// MQTT connection is up; the underlying client restores the
// subscription on reconnect.
func (b *Bus) Start() error {
	topic := mqtt.Topics{}.AllSourceStates()
	if err := b.transport.Subscribe(topic, b.qos, b.handleSourceState); err != nil {
		return fmt.Errorf("subscribing to source states: %w", err)
	}
	return nil
}

// sourceStatePayload is the wire format bridges publish on
// graylogic/state/{protocol}/{address}.
type sourceStatePayload struct {
	Available *bool    `json:"available"`
	Position  *int     `json:"position"`
	Tilt      *int     `json:"tilt"`
	Motion    string   `json:"motion"`
	Supports  []string `json:"supports"`
}

// handleSourceState decodes a bridge state publication, refreshes the
// cache, and fans the update out to subscribers.
func (b *Bus) handleSourceState(topic string, payload []byte) error {
	protocol, address, ok := (mqtt.Topics{}).ParseSourceState(topic)
	if !ok {
		return fmt.Errorf("unexpected state topic %q", topic)
	}
	sourceID := protocol + "/" + address

	var wire sourceStatePayload
	if err := json.Unmarshal(payload, &wire); err != nil {
		return fmt.Errorf("decoding state for %s: %w", sourceID, err)
	}
	state := decodeSourceState(wire)

	b.mu.Lock()
	b.states[sourceID] = state
	var fns []func(SourceState)
	for _, fn := range b.subs[sourceID] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
	return nil
}

// decodeSourceState maps the wire payload onto the engine's snapshot.
// A missing available field means available; a missing supports list
// means both axes, since not every bridge reports capabilities and the
// engine masks against them anyway.
func decodeSourceState(wire sourceStatePayload) SourceState {
	state := SourceState{
		Available: wire.Available == nil || *wire.Available,
		Position:  wire.Position,
		Tilt:      wire.Tilt,
		Motion:    MotionState(wire.Motion),
	}
	if state.Motion == "" {
		state.Motion = MotionIdle
	}
	if wire.Supports == nil {
		state.Supports = FeaturePosition | FeatureTilt
	} else {
		for _, s := range wire.Supports {
			switch s {
			case "position":
				state.Supports |= FeaturePosition
			case "tilt":
				state.Supports |= FeatureTilt
			}
		}
	}
	return state
}

// State returns the latest cached snapshot for a source. A source that
// has never published is unavailable.
func (b *Bus) State(sourceID string) SourceState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.states[sourceID]
}

// commandPayload is the wire format for bridge command topics.
type commandPayload struct {
	Command  Command `json:"command"`
	Position *int    `json:"position,omitempty"`
	Tilt     *int    `json:"tilt,omitempty"`
}

// Dispatch publishes a command to the source's command topic.
// Commands are never retained.
func (b *Bus) Dispatch(ctx context.Context, sourceID string, command Command, value *int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	protocol, address, ok := splitSourceID(sourceID)
	if !ok {
		return fmt.Errorf("malformed source id %q", sourceID)
	}

	wire := commandPayload{Command: command}
	switch command {
	case CommandSetPosition:
		wire.Position = value
	case CommandSetTilt:
		wire.Tilt = value
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}

	topic := mqtt.Topics{}.SourceCommand(protocol, address)
	if err := b.transport.Publish(topic, payload, b.qos, false); err != nil {
		return fmt.Errorf("dispatching %s to %s: %w", command, sourceID, err)
	}
	return nil
}

// SubscribeState registers fn for every state update of one source.
// The returned function unsubscribes and is safe to call once from any
// goroutine.
func (b *Bus) SubscribeState(sourceID string, fn func(SourceState)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[sourceID] == nil {
		b.subs[sourceID] = make(map[int]func(SourceState))
	}
	id := b.nextSub
	b.nextSub++
	b.subs[sourceID][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[sourceID], id)
	}, nil
}

// mappedStatePayload is the retained state a mapped cover publishes.
// Position and tilt are user scale (0-100).
type mappedStatePayload struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Available bool     `json:"available"`
	Position  *int     `json:"position"`
	Tilt      *int     `json:"tilt"`
	Opening   bool     `json:"opening"`
	Closing   bool     `json:"closing"`
	Moving    bool     `json:"moving"`
	Closed    bool     `json:"closed"`
	Supports  []string `json:"supports"`
}

// PublishMappedState publishes the cover's current user-scale state to
// its retained mapped state topic.
func (b *Bus) PublishMappedState(m *MappedCover) error {
	cfg := m.Config()
	payload, err := json.Marshal(mappedStatePayload{
		ID:        cfg.ID,
		Name:      cfg.Name,
		Available: m.IsAvailable(),
		Position:  m.Position(),
		Tilt:      m.Tilt(),
		Opening:   m.IsOpening(),
		Closing:   m.IsClosing(),
		Moving:    m.IsMoving(),
		Closed:    m.IsClosed(),
		Supports:  featureNames(m.SupportedFeatures()),
	})
	if err != nil {
		return fmt.Errorf("encoding mapped state: %w", err)
	}

	topic := mqtt.Topics{}.MappedState(cfg.ID)
	if err := b.transport.PublishRetained(topic, payload); err != nil {
		return fmt.Errorf("publishing mapped state for %s: %w", cfg.ID, err)
	}
	return nil
}

// MappedCommand is a decoded command for a mapped cover, user scale.
type MappedCommand struct {
	Command  string `json:"command"`
	Position *int   `json:"position,omitempty"`
	Tilt     *int   `json:"tilt,omitempty"`
}

// SubscribeMappedCommands routes commands published on any mapped
// cover's command topic to the handler. Malformed payloads are logged
// and dropped.
func (b *Bus) SubscribeMappedCommands(handler func(coverID string, cmd MappedCommand)) error {
	topic := mqtt.Topics{}.AllMappedCommands()
	err := b.transport.Subscribe(topic, b.qos, func(topic string, payload []byte) error {
		coverID, ok := (mqtt.Topics{}).ParseMappedCommand(topic)
		if !ok {
			return fmt.Errorf("unexpected command topic %q", topic)
		}
		var cmd MappedCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return fmt.Errorf("decoding command for %s: %w", coverID, err)
		}
		handler(coverID, cmd)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribing to mapped commands: %w", err)
	}
	return nil
}

// featureNames renders a feature mask for wire payloads.
func featureNames(f Features) []string {
	names := []string{}
	if f.Has(FeaturePosition) {
		names = append(names, "position")
	}
	if f.Has(FeatureTilt) {
		names = append(names, "tilt")
	}
	return names
}

// splitSourceID separates "protocol/address" back into its parts.
func splitSourceID(sourceID string) (protocol, address string, ok bool) {
	for i := 0; i < len(sourceID); i++ {
		if sourceID[i] == '/' {
			if i == 0 || i == len(sourceID)-1 {
				return "", "", false
			}
			return sourceID[:i], sourceID[i+1:], true
		}
	}
	return "", "", false
}
