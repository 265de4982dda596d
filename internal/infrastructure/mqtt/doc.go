// Package mqtt provides the MQTT transport for the mapped cover service.
//
// It wraps paho.mqtt.golang with:
//   - Connection management and automatic reconnection with backoff
//   - Last Will and Testament so consumers see the service go offline
//   - Subscription tracking with restoration after reconnect
//   - Panic recovery around message handlers
//   - Topic builders for the bus topic scheme
//
// # Topic scheme
//
// Source covers are reached via the flat bridge scheme:
//
//	graylogic/state/{protocol}/{address}     state from the bridge
//	graylogic/command/{protocol}/{address}   commands to the bridge
//
// Mapped covers publish and accept:
//
//	graylogic/mapped/{cover_id}/state        user-scale state (retained)
//	graylogic/mapped/{cover_id}/command      commands to the virtual cover
//	graylogic/mapped/status                  service online/offline (retained)
package mqtt
