package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the Gray Logic bus.
//
// Source covers live on the flat bridge scheme:
// graylogic/{category}/{protocol}/{address}. Mapped covers publish
// under graylogic/mapped/{cover_id}/... so consumers can tell the
// virtual entity apart from the raw device it wraps.
const (
	// TopicPrefixBridge is the base for all bridge topics.
	TopicPrefixBridge = "graylogic"

	// TopicPrefixMapped is the base for mapped cover topics.
	TopicPrefixMapped = "graylogic/mapped"
)

// Topics provides builders for the MQTT topics this service uses.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.SourceState("knx", "blind-office")
//	// Returns: "graylogic/state/knx/blind-office"
type Topics struct{}

// SourceState returns the topic a bridge publishes device state on.
//
// Example: graylogic/state/knx/blind-office
func (Topics) SourceState(protocol, address string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefixBridge, protocol, address)
}

// SourceCommand returns the topic for commands to a source cover.
//
// Example: graylogic/command/knx/blind-office
func (Topics) SourceCommand(protocol, address string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefixBridge, protocol, address)
}

// MappedState returns the topic a mapped cover publishes its state on.
// Payloads carry user-scale (0-100) values.
//
// Example: graylogic/mapped/cover-abc123/state
func (Topics) MappedState(coverID string) string {
	return fmt.Sprintf("%s/%s/state", TopicPrefixMapped, coverID)
}

// MappedCommand returns the topic a mapped cover accepts commands on.
//
// Example: graylogic/mapped/cover-abc123/command
func (Topics) MappedCommand(coverID string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefixMapped, coverID)
}

// ServiceStatus returns the topic for this service's online/offline status.
// Used for the LWT message and graceful shutdown announcements.
//
// Example: graylogic/mapped/status
func (Topics) ServiceStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixMapped)
}

// AllSourceStates returns a pattern matching all bridge state updates.
//
// Pattern: graylogic/state/+/+
func (Topics) AllSourceStates() string {
	return fmt.Sprintf("%s/state/+/+", TopicPrefixBridge)
}

// AllMappedCommands returns a pattern matching commands to any mapped cover.
//
// Pattern: graylogic/mapped/+/command
func (Topics) AllMappedCommands() string {
	return fmt.Sprintf("%s/+/command", TopicPrefixMapped)
}

// AllMappedStates returns a pattern matching any mapped cover's state.
//
// Pattern: graylogic/mapped/+/state
func (Topics) AllMappedStates() string {
	return fmt.Sprintf("%s/+/state", TopicPrefixMapped)
}

// ParseSourceState extracts the protocol and address from a source state
// topic. Returns ok=false if the topic does not match the state scheme.
func (Topics) ParseSourceState(topic string) (protocol, address string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefixBridge+"/state/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ParseMappedCommand extracts the cover ID from a mapped command topic.
// Returns ok=false if the topic does not match the command scheme.
func (Topics) ParseMappedCommand(topic string) (coverID string, ok bool) {
	return parseMappedTopic(topic, "/command")
}

// ParseMappedState extracts the cover ID from a mapped state topic.
// Returns ok=false if the topic does not match the state scheme.
func (Topics) ParseMappedState(topic string) (coverID string, ok bool) {
	return parseMappedTopic(topic, "/state")
}

func parseMappedTopic(topic, suffix string) (coverID string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefixMapped+"/")
	if !found {
		return "", false
	}
	id, found := strings.CutSuffix(rest, suffix)
	if !found || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
