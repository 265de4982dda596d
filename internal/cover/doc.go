// Package cover implements the virtual mapped cover: range remapping
// between the public 0-100 scale and a source cover's native range, and
// the convergence engine that drives the source toward commanded
// targets over an asynchronous, unreliable bus.
//
// # Remapping
//
// Remap converts values in both directions with a 0-to-0 "fully closed"
// sentinel, linear mapping of 1..100 onto the configured min..max, and
// a below-minimum floor of 1 so "barely open" never collapses into
// "fully closed". Degenerate and inverted ranges are tolerated.
//
// # Convergence
//
// MappedCover holds the pending device-scale targets for one cover and
// runs convergence in background goroutines. Runs are never serialized:
// each snapshots the targets at start and re-checks them before every
// side-effecting step, deferring to whichever run holds the newest
// targets (last write wins). A shared re-armable signal interrupts
// in-flight confirmation waits the moment a newer target lands.
//
// Commands to the source pass through a per-cover throttle, are
// confirmed against state updates within a tolerance, and are retried
// with a fixed budget. Transport failures, confirmation timeouts, and
// staleness aborts are all control-flow outcomes, not errors; the only
// panic is dispatching a command outside the fixed allow-list, which is
// unreachable from the public surface.
//
// # Infrastructure
//
// Bus adapts the MQTT client to the engine's collaborator interfaces
// (StateReader, Dispatcher, StateSubscriber) and publishes each
// cover's user-scale state to a retained topic. Repository persists
// cover configurations in SQLite. Registry keeps one running engine
// per configured cover and routes bus commands to engine entry points.
package cover
