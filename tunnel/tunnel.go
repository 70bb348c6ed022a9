// Package tunnel implements the per-tunnel lifecycle actor: configure,
// bring up, poll for liveness, and tear down on TTL expiry, interface
// timeout, or explicit close.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/peridio/peridio-rat/driver"
	"github.com/peridio/peridio-rat/model"
)

// State is where a tunnel sits in the configure -> bring-up -> monitor
// -> teardown lifecycle.
type State string

const (
	StateStart State = "start"
	StateUp    State = "up"
)

const (
	livenessGracePeriod  = 10 * time.Minute
	livenessPollInterval = 1 * time.Minute
	interfaceCheckPoll   = 1 * time.Second
	interfaceTimeout     = 10 * time.Second
	staleHandshakeWindow = 5 * time.Minute
)

// ErrAlreadyRunning names the duplicate-tunnel-id condition. Open keeps
// no record of live tunnels and never returns it; uniqueness on tunnel
// id is enforced by the registry before Open is called.
var ErrAlreadyRunning = errors.New("tunnel: already running")

// Snapshot is the point-in-time state returned by GetState.
type Snapshot struct {
	ID         string
	Interface  model.Interface
	Peer       model.Peer
	Status     State
	ExpiresAt  time.Time
	ExitReason model.ExitReason
}

type commandKind int

const (
	cmdExtend commandKind = iota
	cmdClose
	cmdGetState
)

type command struct {
	kind         commandKind
	newExpiresAt time.Time
	reason       model.ExitReason
	reply        chan Snapshot
}

// Handle is what callers outside this package hold: a reference to a
// running tunnel actor and a channel that closes when it exits.
type Handle struct {
	ID          string
	InterfaceID string
	cmds        chan command
	done        chan struct{}
}

// Extend reschedules the TTL timer for newExpiresAt.
func (h *Handle) Extend(newExpiresAt time.Time) {
	h.cmds <- command{kind: cmdExtend, newExpiresAt: newExpiresAt}
}

// Close requests the actor stop with the given reason.
func (h *Handle) Close(reason model.ExitReason) {
	h.cmds <- command{kind: cmdClose, reason: reason}
}

// GetState synchronously reads the actor's current state.
func (h *Handle) GetState() Snapshot {
	reply := make(chan Snapshot, 1)
	h.cmds <- command{kind: cmdGetState, reply: reply}
	return <-reply
}

// Done reports when the actor has exited and cleanup has run.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

type actor struct {
	id      string
	iface   model.Interface
	peer    model.Peer
	opts    model.Options
	drv     driver.Driver
	adopted bool

	status     State
	exitReason model.ExitReason
}

// Open performs the ordered initial work synchronously — looking for an
// existing .conf naming this tunnel id, and configuring the interface
// if none is found — then spawns the actor goroutine to bring the
// interface up (if needed) and run the steady-state loop. Open
// returning without error means a .conf has been written before the
// caller sees the handle, per the lifecycle's ordering guarantee.
func Open(ctx context.Context, id string, iface model.Interface, peer model.Peer, opts model.Options, drv driver.Driver) (*Handle, error) {
	adopted, err := adoptOrConfigure(ctx, id, iface, peer, opts, drv)
	if err != nil {
		return nil, err
	}

	a := &actor{
		id:      id,
		iface:   iface,
		peer:    peer,
		opts:    opts,
		drv:     drv,
		adopted: adopted,
		status:  StateStart,
	}
	if adopted {
		a.status = StateUp
	}
	h := &Handle{
		ID:          id,
		InterfaceID: iface.ID,
		cmds:        make(chan command, 8),
		done:        make(chan struct{}),
	}
	go a.run(h)
	return h, nil
}

// adoptOrConfigure looks for an existing .conf naming this tunnel id.
// If one exists and its interface is already up on the host, the
// tunnel is adopted (no reconfiguration, no bring-up). Otherwise a
// fresh kernel interface is created and ConfigureWireGuard writes its
// .conf.
func adoptOrConfigure(ctx context.Context, id string, iface model.Interface, peer model.Peer, opts model.Options, drv driver.Driver) (adopted bool, err error) {
	existing, err := drv.ListInterfaces(ctx, opts)
	if err != nil {
		zap.S().Warnf("listing interfaces while opening %s: %s", id, err)
		existing = nil
	}
	for _, li := range existing {
		if li.Decoded.TunnelID != id {
			continue
		}
		up, err := drv.InterfaceExists(ctx, li.Decoded.Interface.ID)
		if err == nil && up {
			zap.S().Infof("adopting existing interface %s for tunnel %s", li.Decoded.Interface.ID, id)
			return true, nil
		}
		break
	}
	if err := drv.CreateInterface(ctx, iface.ID); err != nil {
		return false, fmt.Errorf("tunnel: creating interface %s: %w", iface.ID, err)
	}
	if err := drv.ConfigureWireGuard(ctx, iface, peer, id, opts); err != nil {
		return false, fmt.Errorf("tunnel: configuring %s: %w", iface.ID, err)
	}
	return false, nil
}

func (a *actor) run(h *Handle) {
	defer close(h.done)
	defer a.terminate()

	if !a.adopted {
		if err := a.bringUpAndWaitForInterface(context.Background()); err != nil {
			zap.S().Warnf("tunnel %s failed to come up: %s", a.id, err)
			return
		}
		a.status = StateUp
	}

	ttlTimer := time.NewTimer(time.Until(a.opts.ExpiresAt))
	defer ttlTimer.Stop()
	livenessTimer := time.NewTimer(livenessGracePeriod)
	defer livenessTimer.Stop()

	for {
		select {
		case cmd := <-h.cmds:
			switch cmd.kind {
			case cmdExtend:
				if !ttlTimer.Stop() {
					select {
					case <-ttlTimer.C:
					default:
					}
				}
				ttlTimer.Reset(time.Until(cmd.newExpiresAt))
				a.opts.ExpiresAt = cmd.newExpiresAt
			case cmdClose:
				a.exitReason = cmd.reason
				return
			case cmdGetState:
				cmd.reply <- a.snapshot()
			}
		case <-ttlTimer.C:
			a.exitReason = model.ExitTTLTimeout
			return
		case <-livenessTimer.C:
			if a.checkLiveness(context.Background()) {
				a.exitReason = model.ExitStaleTimeout
				return
			}
			livenessTimer.Reset(livenessPollInterval)
		}
	}
}

// bringUpAndWaitForInterface issues bring-up, then polls for the OS
// interface to appear, matching the check_interface/interface_timeout
// timers of the entry sequence: poll every second, give up after ten.
func (a *actor) bringUpAndWaitForInterface(ctx context.Context) error {
	if err := a.drv.BringUpInterface(ctx, a.iface.ID, a.opts); err != nil {
		a.exitReason = model.ExitBringUpFailed
		return fmt.Errorf("bring_up_interface: %w", err)
	}
	deadline := time.NewTimer(interfaceTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(interfaceCheckPoll)
	defer poll.Stop()
	for {
		select {
		case <-poll.C:
			up, err := a.drv.InterfaceExists(ctx, a.iface.ID)
			if err == nil && up {
				return nil
			}
		case <-deadline.C:
			a.exitReason = model.ExitInterfaceTimeout
			return fmt.Errorf("interface %s did not appear within %s", a.iface.ID, interfaceTimeout)
		}
	}
}

// stale reports whether the tunnel's traffic/handshake counters
// indicate a dead peer, per the policy table in the lifecycle design:
// (0,0,0) is still setting up, (0,>0,0) is sending without a
// handshake, and any handshake within the last five minutes is fresh.
func stale(rx, tx uint64, lastHandshake int64) bool {
	if rx == 0 && tx == 0 && lastHandshake == 0 {
		return false
	}
	if rx == 0 && lastHandshake == 0 {
		return true
	}
	if lastHandshake == 0 {
		return true
	}
	age := time.Since(time.Unix(lastHandshake, 0))
	return age > staleHandshakeWindow
}

// checkLiveness computes staleness and logs it. Per the documented
// current behavior, a stale tunnel is not stopped, only logged —
// unless the caller's Options.StaleShutdown policy is enabled, in
// which case checkLiveness reports the tunnel should be stopped.
func (a *actor) checkLiveness(ctx context.Context) (shouldStop bool) {
	rx, err := a.drv.RxPacketStats(ctx, a.iface.ID)
	if err != nil {
		zap.S().Debugf("tunnel %s: rx_packet_stats: %s", a.id, err)
		return false
	}
	tx, err := a.drv.TxPacketStats(ctx, a.iface.ID)
	if err != nil {
		zap.S().Debugf("tunnel %s: tx_packet_stats: %s", a.id, err)
		return false
	}
	handshake, err := a.drv.WGLatestHandshake(ctx, a.iface.ID)
	if err != nil {
		zap.S().Debugf("tunnel %s: wg_latest_handshakes: %s", a.id, err)
		return false
	}
	if !stale(rx, tx, handshake) {
		return false
	}
	zap.S().Warnf("tunnel %s (%s) appears stale: rx=%d tx=%d last_handshake=%d", a.id, a.iface.ID, rx, tx, handshake)
	return a.opts.StaleShutdown
}

// terminate runs on every exit path, best-effort: tear down the OS
// interface (ignoring its exit code), invoke the on_exit callback in
// a detached goroutine so a misbehaving callback cannot block cleanup,
// and remove the .conf file (the driver does this as part of teardown).
func (a *actor) terminate() {
	if a.exitReason == "" {
		a.exitReason = model.ExitNormal
	}
	if err := a.drv.TeardownInterface(context.Background(), a.iface.ID, a.opts); err != nil {
		zap.S().Debugf("tunnel %s: teardown_interface: %s", a.id, err)
	}
	if a.opts.OnExit != nil {
		go func(reason model.ExitReason) {
			defer func() {
				if r := recover(); r != nil {
					zap.S().Warnf("tunnel %s: on_exit callback panicked: %v", a.id, r)
				}
			}()
			a.opts.OnExit(reason)
		}(a.exitReason)
	}
	zap.S().Infof("tunnel %s (%s) terminated: %s", a.id, a.iface.ID, a.exitReason)
}

func (a *actor) snapshot() Snapshot {
	return Snapshot{
		ID:         a.id,
		Interface:  a.iface,
		Peer:       a.peer,
		Status:     a.status,
		ExpiresAt:  a.opts.ExpiresAt,
		ExitReason: a.exitReason,
	}
}
