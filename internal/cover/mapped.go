package cover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/mappedcover/internal/infrastructure/logging"
)

// Engine timing and retry constants.
const (
	// recentMovementWindow is how long after a position command the
	// source is assumed to still be in motion, regardless of polled state.
	recentMovementWindow = 5 * time.Second

	// defaultConfirmTimeout bounds the wait for a command confirmation.
	defaultConfirmTimeout = 30 * time.Second

	// shortConfirmTimeout bounds post-stop and co-adjustment waits.
	shortConfirmTimeout = 5 * time.Second

	// retryDelay is the pause between command attempts.
	retryDelay = time.Second

	// setRetries is the retry budget for confirmed set commands.
	setRetries = 3

	// stopRetries is the retry budget for stop commands (transport
	// failures only; stops are never confirmed against an attribute).
	stopRetries = 3

	// positionTolerance is the acceptable difference when comparing a
	// reported attribute against a commanded value.
	positionTolerance = 1

	// preStopPause is the settle time before stopping a cover that is
	// moving but already reports the target position.
	preStopPause = time.Second
)

// MappedCover drives one source cover toward user-commanded targets.
//
// It owns the pending target state (device scale), converts between the
// user 0-100 scale and the source range, and runs the convergence
// algorithm as background goroutines. Command entry points never block
// on device round trips.
//
// Concurrency model: convergence runs are not serialized. Each run
// snapshots the target pair at start and re-checks it against the live
// fields before every side-effecting step; a run whose snapshot has
// been superseded returns early and leaves cleanup to the newer run
// (last write wins). The targetChanged signal wakes in-flight waits so
// stale runs notice promptly.
type MappedCover struct {
	cfg        Cover
	reader     StateReader
	dispatcher Dispatcher
	subscriber StateSubscriber
	logger     *logging.Logger

	targetChanged *signal
	throttle      *throttle

	mu                  sync.Mutex
	targetPosition      *int // device scale, nil = no pending target
	targetTilt          *int // device scale, nil = no pending target
	lastPositionCommand time.Time
	report              func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMappedCover creates the engine for one configured cover.
// Call Close when the cover is removed to cancel in-flight runs.
func NewMappedCover(cfg Cover, reader StateReader, dispatcher Dispatcher, subscriber StateSubscriber, logger *logging.Logger) *MappedCover {
	ctx, cancel := context.WithCancel(context.Background())
	return &MappedCover{
		cfg:           cfg,
		reader:        reader,
		dispatcher:    dispatcher,
		subscriber:    subscriber,
		logger:        logger.With("cover", cfg.ID, "source", cfg.SourceID()),
		targetChanged: newSignal(),
		throttle:      newThrottle(cfg.Throttle()),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Config returns the cover configuration this engine was built from.
func (m *MappedCover) Config() Cover {
	return m.cfg
}

// SetReporter registers a callback invoked whenever the mapped state
// is worth republishing (convergence milestones, stops, completion).
func (m *MappedCover) SetReporter(fn func()) {
	m.mu.Lock()
	m.report = fn
	m.mu.Unlock()
}

// Close cancels all in-flight convergence runs and waits for them to
// finish. The engine must not be used afterwards.
func (m *MappedCover) Close() {
	m.cancel()
	m.targetChanged.Set()
	m.wg.Wait()
}

// state returns the current source snapshot.
func (m *MappedCover) state() SourceState {
	return m.reader.State(m.cfg.SourceID())
}

// currentPosition returns the source position, or nil when unavailable.
func (m *MappedCover) currentPosition() *int {
	st := m.state()
	if !st.Available {
		return nil
	}
	return st.Position
}

// currentTilt returns the source tilt, or nil when unavailable.
func (m *MappedCover) currentTilt() *int {
	st := m.state()
	if !st.Available {
		return nil
	}
	return st.Tilt
}

// IsMoving reports whether the source is judged to be in motion: a
// position command within the last 5 seconds, or the source itself
// reporting opening/closing. The time window covers the lag between
// command issuance and the source's self-reported motion state.
func (m *MappedCover) IsMoving() bool {
	m.mu.Lock()
	recent := !m.lastPositionCommand.IsZero() &&
		time.Since(m.lastPositionCommand) < recentMovementWindow
	m.mu.Unlock()
	if recent {
		return true
	}
	motion := m.state().Motion
	return motion == MotionOpening || motion == MotionClosing
}

// SetPosition commands the cover to a user-scale position (0-100).
//
// The value is remapped to device scale and stored as the pending
// target; a convergence run is scheduled in the background. No-ops if
// the computed target equals the pending target, or, with no pending
// target, equals the current source position. An existing tilt target
// is preserved; if none exists one is seeded from the current tilt so
// the convergence run does not drop the slat angle.
func (m *MappedCover) SetPosition(value int) {
	target := Remap(&value, m.cfg.MinPosition, m.cfg.MaxPosition, ToDevice)
	current := m.currentPosition()
	currentTilt := m.currentTilt()

	m.mu.Lock()
	if intPtrEqual(m.targetPosition, target) {
		m.mu.Unlock()
		m.logger.Debug("set position: target already pending", "target", *target)
		return
	}
	if m.targetPosition == nil && intPtrEqual(current, target) {
		m.mu.Unlock()
		m.logger.Debug("set position: already at target", "target", *target)
		return
	}
	m.targetPosition = target
	if m.targetTilt == nil && currentTilt != nil {
		m.targetTilt = intPtr(*currentTilt)
	}
	m.mu.Unlock()

	m.scheduleConverge()
}

// SetTilt commands the cover to a user-scale tilt (0-100).
// Same no-op rules as SetPosition; no seeding.
func (m *MappedCover) SetTilt(value int) {
	target := Remap(&value, m.cfg.MinTilt, m.cfg.MaxTilt, ToDevice)
	current := m.currentTilt()

	m.mu.Lock()
	if intPtrEqual(m.targetTilt, target) {
		m.mu.Unlock()
		m.logger.Debug("set tilt: target already pending", "target", *target)
		return
	}
	if m.targetTilt == nil && intPtrEqual(current, target) {
		m.mu.Unlock()
		m.logger.Debug("set tilt: already at target", "target", *target)
		return
	}
	m.targetTilt = target
	m.mu.Unlock()

	m.scheduleConverge()
}

// OpenCover drives the cover fully open: position to the configured
// maximum and, when the source supports tilt, tilt to its maximum. The
// device bounds are used directly, skipping the remap.
func (m *MappedCover) OpenCover() {
	st := m.state()

	m.mu.Lock()
	if st.Position == nil || *st.Position != m.cfg.MaxPosition {
		m.targetPosition = intPtr(m.cfg.MaxPosition)
	}
	if st.Supports.Has(FeatureTilt) && (st.Tilt == nil || *st.Tilt != m.cfg.MaxTilt) {
		m.targetTilt = intPtr(m.cfg.MaxTilt)
	}
	pending := m.targetPosition != nil || m.targetTilt != nil
	m.mu.Unlock()

	if pending {
		m.scheduleConverge()
	}
}

// CloseCover drives the cover fully closed: position 0 and, when the
// source supports tilt, tilt 0. Device zero is always reachable even
// when the configured range excludes it.
func (m *MappedCover) CloseCover() {
	st := m.state()

	m.mu.Lock()
	if st.Position == nil || *st.Position != 0 {
		m.targetPosition = intPtr(0)
	}
	if st.Supports.Has(FeatureTilt) && (st.Tilt == nil || *st.Tilt != 0) {
		m.targetTilt = intPtr(0)
	}
	pending := m.targetPosition != nil || m.targetTilt != nil
	m.mu.Unlock()

	if pending {
		m.scheduleConverge()
	}
}

// OpenTilt drives the tilt to the configured maximum.
func (m *MappedCover) OpenTilt() {
	current := m.currentTilt()
	if current != nil && *current == m.cfg.MaxTilt {
		return
	}
	m.mu.Lock()
	m.targetTilt = intPtr(m.cfg.MaxTilt)
	m.mu.Unlock()
	m.scheduleConverge()
}

// CloseTilt drives the tilt to 0.
func (m *MappedCover) CloseTilt() {
	current := m.currentTilt()
	if current != nil && *current == 0 {
		return
	}
	m.mu.Lock()
	m.targetTilt = intPtr(0)
	m.mu.Unlock()
	m.scheduleConverge()
}

// Stop halts the cover immediately. Both targets are cleared, in-flight
// waits are interrupted, and the stop command is dispatched directly,
// bypassing convergence, with a transport retry budget.
func (m *MappedCover) Stop() {
	m.logger.Debug("stop requested")
	m.mu.Lock()
	m.targetPosition = nil
	m.targetTilt = nil
	m.mu.Unlock()
	m.targetChanged.Set()

	m.spawn(func(ctx context.Context) {
		m.callCommand(ctx, CommandStop, nil, stopRetries, defaultConfirmTimeout, nil)
		m.reportState()
	})
}

// StopTilt halts tilt movement. The tilt target is cleared and the stop
// dispatched directly, as in Stop.
func (m *MappedCover) StopTilt() {
	m.logger.Debug("stop tilt requested")
	m.mu.Lock()
	m.targetTilt = nil
	m.mu.Unlock()
	m.targetChanged.Set()

	m.spawn(func(ctx context.Context) {
		m.callCommand(ctx, CommandStopTilt, nil, stopRetries, defaultConfirmTimeout, nil)
		m.reportState()
	})
}

// Position returns the user-scale position: the pending target when one
// exists (immediate feedback), else the remapped source reading. Nil
// when the source is unavailable and no target is pending.
func (m *MappedCover) Position() *int {
	m.mu.Lock()
	target := m.targetPosition
	m.mu.Unlock()
	if target != nil {
		return Remap(target, m.cfg.MinPosition, m.cfg.MaxPosition, FromDevice)
	}
	return Remap(m.currentPosition(), m.cfg.MinPosition, m.cfg.MaxPosition, FromDevice)
}

// Tilt returns the user-scale tilt, target-first like Position.
func (m *MappedCover) Tilt() *int {
	m.mu.Lock()
	tilt := m.targetTilt
	m.mu.Unlock()
	if tilt == nil {
		tilt = m.currentTilt()
	}
	return Remap(tilt, m.cfg.MinTilt, m.cfg.MaxTilt, FromDevice)
}

// IsOpening reports whether the cover is heading up: pending target
// above current when both are known, else the source's motion state.
func (m *MappedCover) IsOpening() bool {
	m.mu.Lock()
	target := m.targetPosition
	m.mu.Unlock()
	current := m.currentPosition()
	if target != nil && current != nil {
		return *target > *current
	}
	return m.state().Motion == MotionOpening
}

// IsClosing reports whether the cover is heading down.
func (m *MappedCover) IsClosing() bool {
	m.mu.Lock()
	target := m.targetPosition
	m.mu.Unlock()
	current := m.currentPosition()
	if target != nil && current != nil {
		return *target < *current
	}
	return m.state().Motion == MotionClosing
}

// IsClosed reports whether the cover is fully closed on both axes
// (tilt unknown counts as closed, matching covers without tilt).
func (m *MappedCover) IsClosed() bool {
	pos := m.Position()
	if pos == nil || *pos != 0 {
		return false
	}
	tilt := m.Tilt()
	return tilt == nil || *tilt == 0
}

// IsAvailable reports whether the source cover is reachable.
func (m *MappedCover) IsAvailable() bool {
	return m.state().Available
}

// SupportedFeatures returns the source capabilities masked to the bits
// this adapter actively remaps.
func (m *MappedCover) SupportedFeatures() Features {
	return m.state().Supports & (FeaturePosition | FeatureTilt)
}

// scheduleConverge starts one convergence run as a tracked goroutine.
func (m *MappedCover) scheduleConverge() {
	m.spawn(m.converge)
}

// spawn runs fn on a tracked goroutine cancelled by Close.
func (m *MappedCover) spawn(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

// converge is one convergence run: drive the source to the target pair
// snapshotted at entry, abandoning the run as soon as the live targets
// diverge from the snapshot.
func (m *MappedCover) converge(ctx context.Context) {
	// Wake any wait blocked on an older target first; this run now
	// owns the freshest snapshot.
	m.targetChanged.Set()

	m.mu.Lock()
	position := m.targetPosition
	tilt := m.targetTilt
	m.mu.Unlock()
	currentPos := m.currentPosition()

	abortCheck := func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return !intPtrEqual(m.targetPosition, position) || !intPtrEqual(m.targetTilt, tilt)
	}

	m.logger.Debug("converge start",
		"target_position", optInt(position),
		"target_tilt", optInt(tilt),
		"current_position", optInt(currentPos),
	)

	// Tilt before position: many blinds cannot safely re-angle slats
	// while translating, so when the position still has to move and the
	// cover is at rest, fix the tilt first.
	if tilt != nil && position != nil &&
		(currentPos == nil || *position != *currentPos) && !m.IsMoving() {
		m.logger.Debug("setting tilt before position", "tilt", *tilt)
		m.callCommand(ctx, CommandSetTilt, tilt, 0, defaultConfirmTimeout, abortCheck)
		if abortCheck() {
			m.logger.Debug("converge superseded after tilt-first")
			return
		}
	}

	currentPos = m.currentPosition()

	// Already at the target but still moving: stop, then wait for the
	// reading to move away from the target to confirm the stop landed.
	if position != nil && currentPos != nil && *currentPos == *position && m.IsMoving() {
		m.logger.Debug("moving but already at target, stopping")
		sleepCtx(ctx, preStopPause)
		m.callCommand(ctx, CommandStop, nil, 0, defaultConfirmTimeout, nil)
		m.waitForAttribute(ctx, attrPosition, *currentPos, shortConfirmTimeout,
			func(value, target int) bool { return abs(value-target) > positionTolerance })
		currentPos = m.currentPosition()
		m.reportState()
	}

	if position != nil && (currentPos == nil || *currentPos != *position) {
		m.callCommand(ctx, CommandSetPosition, position, setRetries, defaultConfirmTimeout, abortCheck)
		m.reportState()
	}

	if abortCheck() {
		m.logger.Debug("converge superseded after position phase")
		return
	}

	if tilt != nil {
		currentTilt := m.currentTilt()

		// Tilt mechanisms that must fully retract before re-angling:
		// when enabled and no position move is pending, pass through 0
		// on the way to a lower tilt target.
		if m.cfg.CloseTiltIfDown && position == nil &&
			currentTilt != nil && *tilt < *currentTilt {
			m.callCommand(ctx, CommandSetTilt, intPtr(0), setRetries, defaultConfirmTimeout, abortCheck)
			if abortCheck() {
				m.logger.Debug("converge superseded after tilt retract")
				return
			}
		}

		// Some sources co-adjust tilt while translating. If a position
		// move was needed, give the tilt a short window to land on its
		// own before issuing an explicit command.
		reached := false
		if m.cfg.TiltDuringMove && position != nil &&
			(currentPos == nil || *currentPos != *position) {
			reached = m.waitForAttribute(ctx, attrTilt, *tilt, shortConfirmTimeout, nil)
		}

		if !reached {
			m.callCommand(ctx, CommandSetTilt, tilt, setRetries, defaultConfirmTimeout, abortCheck)
		}
	}

	if abortCheck() {
		m.logger.Debug("converge superseded after tilt phase")
		return
	}

	m.mu.Lock()
	m.targetPosition = nil
	m.targetTilt = nil
	m.mu.Unlock()
	m.reportState()
	m.logger.Debug("converge done")
}

// callCommand dispatches a command to the source with throttling,
// optional confirmation, and a retry budget.
//
// The command must be on the allow-list; anything else panics, since it
// can only come from direct misuse of this primitive. Before each
// attempt the abortCheck is consulted; a true result stops the loop
// immediately without touching the device. Confirmation (waiting for
// the matching attribute to reach the commanded value within ±1) only
// happens for set commands with retry > 0; everything else returns true
// as soon as the dispatch goes out.
//
// Returns false on abort, exhausted retries, or cancellation.
func (m *MappedCover) callCommand(ctx context.Context, command Command, value *int, retry int, timeout time.Duration, abortCheck func() bool) bool {
	switch command {
	case CommandSetPosition, CommandSetTilt, CommandStop, CommandStopTilt:
	default:
		panic(fmt.Sprintf("cover: command %q not allowed", command))
	}

	// Position commands feed the recently-moving heuristic; tilt moves
	// the slats, not the cover, and stops end motion.
	if command == CommandSetPosition {
		m.mu.Lock()
		m.lastPositionCommand = time.Now()
		m.mu.Unlock()
	}

	attempt := 0
	for {
		if abortCheck != nil && abortCheck() {
			m.logger.Debug("command aborted", "command", command)
			return false
		}

		err := m.dispatch(ctx, command, value)
		switch {
		case err != nil:
			m.logger.Warn("command dispatch failed",
				"command", command, "error", err, "attempt", attempt+1)
		case retry > 0 && command.isSet() && value != nil:
			attr := attrPosition
			if command == CommandSetTilt {
				attr = attrTilt
			}
			if m.waitForAttribute(ctx, attr, *value, timeout, nil) {
				return true
			}
			m.logger.Debug("command not confirmed",
				"command", command, "value", *value, "attempt", attempt+1)
		default:
			return true
		}

		attempt++
		if attempt > retry {
			if retry > 0 {
				m.logger.Warn("command retries exhausted", "command", command, "retries", retry)
			}
			return false
		}
		if !sleepCtx(ctx, retryDelay) {
			return false
		}
	}
}

// dispatch sends one command through the shared throttle.
func (m *MappedCover) dispatch(ctx context.Context, command Command, value *int) error {
	if err := m.throttle.Acquire(ctx); err != nil {
		return err
	}
	return m.dispatcher.Dispatch(ctx, m.cfg.SourceID(), command, value)
}

// waitForAttribute blocks until the source's attribute satisfies
// compare against target, the targetChanged signal fires, or the
// timeout elapses. Only a satisfying state update returns true.
//
// Returns true immediately if the current reading already satisfies the
// comparator, and false immediately if the source is unavailable or
// the attribute absent. The subscription is released on every exit path.
func (m *MappedCover) waitForAttribute(ctx context.Context, attr attribute, target int, timeout time.Duration, compare func(value, target int) bool) bool {
	if compare == nil {
		compare = withinTolerance
	}
	satisfied := func(st SourceState) bool {
		if !st.Available {
			return false
		}
		v := st.attr(attr)
		return v != nil && compare(*v, target)
	}

	st := m.state()
	if satisfied(st) {
		return true
	}
	if !st.Available || st.attr(attr) == nil {
		return false
	}

	// Re-arm the interrupt before subscribing; a newer operation raising
	// it from here on must wake this wait.
	m.targetChanged.Clear()
	interrupted := m.targetChanged.Wait()

	matched := make(chan struct{}, 1)
	unsubscribe, err := m.subscriber.SubscribeState(m.cfg.SourceID(), func(update SourceState) {
		if satisfied(update) {
			select {
			case matched <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		m.logger.Warn("state subscription failed", "error", err)
		return false
	}
	defer unsubscribe()

	// Close the gap between the first read and the subscription.
	if satisfied(m.state()) {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-matched:
		return true
	case <-interrupted:
		return false
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// reportState invokes the registered state reporter, if any.
func (m *MappedCover) reportState() {
	m.mu.Lock()
	fn := m.report
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// withinTolerance is the default confirmation comparator.
func withinTolerance(value, target int) bool {
	return abs(value-target) <= positionTolerance
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// optInt renders an optional int for logging.
func optInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// sleepCtx sleeps for d, returning false if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
