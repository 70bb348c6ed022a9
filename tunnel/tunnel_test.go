package tunnel

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/peridio/peridio-rat/driver"
	"github.com/peridio/peridio-rat/ipcidr"
	"github.com/peridio/peridio-rat/model"
)

func newTestInterface(t *testing.T, id string) model.Interface {
	t.Helper()
	ip, err := ipcidr.ParseIP("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	return model.Interface{ID: id, IPAddress: ip, Port: 51820, PrivateKey: "priv", PublicKey: "pub"}
}

func newTestPeer(t *testing.T) model.Peer {
	t.Helper()
	ip, err := ipcidr.ParseIP("10.0.0.2")
	if err != nil {
		t.Fatal(err)
	}
	return model.Peer{IPAddress: ip, Endpoint: "203.0.113.1", Port: 51821, PublicKey: "peer-pub", PersistentKeepalive: 25}
}

// getStateWithTimeout calls GetState on its own goroutine so a hung
// actor fails the test instead of hanging it.
func getStateWithTimeout(t *testing.T, h *Handle, timeout time.Duration) Snapshot {
	t.Helper()
	result := make(chan Snapshot, 1)
	go func() { result <- h.GetState() }()
	select {
	case snap := <-result:
		return snap
	case <-time.After(timeout):
		t.Fatal("GetState timed out")
		return Snapshot{}
	}
}

func waitForState(t *testing.T, h *Handle, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		snap := getStateWithTimeout(t, h, timeout)
		if snap.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state did not reach %s within %s (last was %s)", want, timeout, snap.Status)
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func TestOpenBringsUpAndReachesStateUp(t *testing.T) {
	dir := t.TempDir()
	drv := driver.NewMock()
	iface := newTestInterface(t, "peridio-abcdefg")
	peer := newTestPeer(t)
	opts := model.Options{DataDir: dir, ExpiresAt: time.Now().Add(time.Hour)}

	h, err := Open(context.Background(), "tunnel-1", iface, peer, opts, drv)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	if _, err := os.Stat(dir + "/peridio-abcdefg.conf"); err != nil {
		t.Fatalf("expected conf file to exist after Open: %s", err)
	}

	waitForState(t, h, StateUp, 5*time.Second)

	h.Close(model.ExitNormal)
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not exit after Close")
	}
	if _, err := os.Stat(dir + "/peridio-abcdefg.conf"); !os.IsNotExist(err) {
		t.Fatalf("expected conf file removed after teardown, stat err = %v", err)
	}
}

// TestOpenConfigureFailureReturnsError exercises an actual
// configure_wireguard failure (an unwritable DataDir: a path to a
// regular file, not a directory), since the mock driver's "failure"
// interface name deliberately leaves configure_wireguard succeeding.
func TestOpenConfigureFailureReturnsError(t *testing.T) {
	dir := t.TempDir()
	notADir := dir + "/not-a-directory"
	if err := os.WriteFile(notADir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	drv := driver.NewMock()
	iface := newTestInterface(t, "tunnel-2-iface")
	peer := newTestPeer(t)
	opts := model.Options{DataDir: notADir, ExpiresAt: time.Now().Add(time.Hour)}

	if _, err := Open(context.Background(), "tunnel-2", iface, peer, opts, drv); err == nil {
		t.Fatal("Open with an unwritable data dir: expected error")
	}
}

// TestBringUpFailureExitsWithDeviceErrorInterfaceUp mirrors entry
// sequence scenario 4: Open succeeds (configure_wireguard is a plain
// file write and create_interface is a one-time setup step, so both
// succeed even for the mock's "failure" name), the actor starts, and
// it is bring_up_interface that fails asynchronously, ending the
// tunnel with device_error_interface_up.
func TestBringUpFailureExitsWithDeviceErrorInterfaceUp(t *testing.T) {
	dir := t.TempDir()
	drv := driver.NewMock()
	iface := newTestInterface(t, "failure")
	peer := newTestPeer(t)
	got := make(chan model.ExitReason, 1)
	opts := model.Options{
		DataDir:   dir,
		ExpiresAt: time.Now().Add(time.Hour),
		OnExit:    func(r model.ExitReason) { got <- r },
	}

	h, err := Open(context.Background(), "tunnel-2", iface, peer, opts, drv)
	if err != nil {
		t.Fatalf("Open with a bring-up failure pending: expected Ok, got %s", err)
	}

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not exit after bring-up failure")
	}

	select {
	case reason := <-got:
		if reason != model.ExitBringUpFailed {
			t.Errorf("on_exit reason = %q, want %q", reason, model.ExitBringUpFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("on_exit callback was not invoked")
	}
}

func TestExtendReschedulesTTL(t *testing.T) {
	dir := t.TempDir()
	drv := driver.NewMock()
	iface := newTestInterface(t, "peridio-extend1")
	peer := newTestPeer(t)
	opts := model.Options{DataDir: dir, ExpiresAt: time.Now().Add(3 * time.Second)}

	h, err := Open(context.Background(), "tunnel-3", iface, peer, opts, drv)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	waitForState(t, h, StateUp, 5*time.Second)

	h.Extend(time.Now().Add(5 * time.Second))

	select {
	case <-h.Done():
		t.Fatal("actor exited before extended TTL")
	case <-time.After(3 * time.Second):
	}
	h.Close(model.ExitNormal)
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not exit after Close")
	}
}

func TestOnExitCallbackReceivesReason(t *testing.T) {
	dir := t.TempDir()
	drv := driver.NewMock()
	iface := newTestInterface(t, "peridio-onexit1")
	peer := newTestPeer(t)
	got := make(chan model.ExitReason, 1)
	opts := model.Options{
		DataDir:   dir,
		ExpiresAt: time.Now().Add(time.Hour),
		OnExit:    func(r model.ExitReason) { got <- r },
	}

	h, err := Open(context.Background(), "tunnel-4", iface, peer, opts, drv)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	waitForState(t, h, StateUp, 5*time.Second)
	h.Close(model.ExitReason("custom_reason"))
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not exit after Close")
	}

	select {
	case reason := <-got:
		if reason != "custom_reason" {
			t.Errorf("on_exit reason = %q, want custom_reason", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("on_exit callback was not invoked")
	}
}

func TestStalePolicy(t *testing.T) {
	tests := []struct {
		name          string
		rx, tx        uint64
		lastHandshake int64
		want          bool
	}{
		{"still setting up", 0, 0, 0, false},
		{"sending without handshake", 0, 5, 0, true},
		{"never received handshake but rx nonzero", 3, 0, 0, true},
		{"fresh handshake", 100, 100, time.Now().Unix(), false},
		{"stale handshake", 100, 100, time.Now().Add(-time.Hour).Unix(), true},
	}
	for _, tt := range tests {
		name := fmt.Sprintf("%s/rx=%d,tx=%d,hs=%d", tt.name, tt.rx, tt.tx, tt.lastHandshake)
		t.Run(name, func(t *testing.T) {
			if got := stale(tt.rx, tt.tx, tt.lastHandshake); got != tt.want {
				t.Errorf("stale(%d,%d,%d) = %v, want %v", tt.rx, tt.tx, tt.lastHandshake, got, tt.want)
			}
		})
	}
}

// TestCheckLivenessHonorsStaleShutdownPolicy exercises checkLiveness
// directly: the mock driver's fixed handshake timestamp (unix time
// 1656345389) is always stale relative to the current date, so
// checkLiveness must report shouldStop only when Options.StaleShutdown
// is enabled.
func TestCheckLivenessHonorsStaleShutdownPolicy(t *testing.T) {
	iface := newTestInterface(t, "peridio-stale01")
	drv := driver.NewMock()

	a := &actor{id: "tunnel-stale", iface: iface, drv: drv, opts: model.Options{StaleShutdown: false}}
	if got := a.checkLiveness(context.Background()); got {
		t.Errorf("checkLiveness with StaleShutdown=false: shouldStop = %v, want false", got)
	}

	a.opts.StaleShutdown = true
	if got := a.checkLiveness(context.Background()); !got {
		t.Errorf("checkLiveness with StaleShutdown=true: shouldStop = %v, want true", got)
	}
}
