package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/peridio/peridio-rat/model"
	"github.com/peridio/peridio-rat/quickconfig"
)

// failureName is the one interface name the mock driver treats as a
// forced failure, per the documented mock contract.
const failureName = "failure"

// Mock is the Driver used by every lifecycle and registry test: it
// never shells out or touches the kernel, and its behavior is entirely
// determined by the interface name. Any name other than "failure"
// succeeds. For "failure", the one-time setup steps that precede
// bring-up (create_interface, configure_wireguard) always succeed, so
// a bring-up failure can be exercised in isolation, matching entry
// sequence scenario 4 (open returns Ok, the actor starts, and it is
// bring_up_interface that fails). teardown_interface and the
// stats/handshake reads also fail for "failure" with exit code 1.
// Stats are deterministic: rx=27, tx=8, last handshake at unix time
// 1656345389.
type Mock struct {
	mu      sync.Mutex
	up      map[string]bool
	created map[string]bool
}

// NewMock builds an empty Mock driver.
func NewMock() *Mock {
	return &Mock{up: map[string]bool{}, created: map[string]bool{}}
}

func (m *Mock) fail(op, name string) error {
	return &CommandError{Cmd: op + " " + name, ExitCode: 1, Stderr: "mock: forced failure"}
}

// CreateInterface always succeeds, including for "failure": it is a
// one-time setup step that precedes configure/bring-up, not the
// exit-code-style operation the "failure" name is meant to exercise.
func (m *Mock) CreateInterface(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created[name] = true
	return nil
}

// ConfigureWireGuard always succeeds: it is a plain file write, not one
// of the exit-code-style shell operations "failure" is meant to fail,
// so a caller using the "failure" interface name still gets a written
// .conf and can exercise a later failing step (e.g. bring-up).
func (m *Mock) ConfigureWireGuard(ctx context.Context, iface model.Interface, peer model.Peer, tunnelID string, opts model.Options) error {
	cfg := quickconfig.Build(iface, peer, tunnelID, opts)
	f, err := os.Create(confPath(opts.DataDir, iface.ID))
	if err != nil {
		return fmt.Errorf("mock: writing conf: %w", err)
	}
	defer f.Close()
	return quickconfig.Encode(f, cfg)
}

func (m *Mock) BringUpInterface(ctx context.Context, name string, opts model.Options) error {
	if name == failureName {
		return m.fail("bring_up_interface", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.up[name] = true
	return nil
}

func (m *Mock) TeardownInterface(ctx context.Context, name string, opts model.Options) error {
	m.mu.Lock()
	delete(m.up, name)
	delete(m.created, name)
	m.mu.Unlock()
	os.Remove(confPath(opts.DataDir, name))
	if name == failureName {
		return m.fail("teardown_interface", name)
	}
	return nil
}

func (m *Mock) ListInterfaces(ctx context.Context, opts model.Options) ([]ListedInterface, error) {
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mock: listing %s: %w", dataDir, err)
	}
	var out []ListedInterface
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		path := filepath.Join(dataDir, e.Name())
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		cfg, err := quickconfig.Parse(f)
		f.Close()
		if err != nil {
			continue
		}
		decoded, err := quickconfig.Decode(cfg)
		if err != nil {
			continue
		}
		out = append(out, ListedInterface{Path: path, Decoded: decoded})
	}
	return out, nil
}

func (m *Mock) GenerateKeyPair(ctx context.Context) (string, string, error) {
	return "mock-private-key", "mock-public-key", nil
}

func (m *Mock) RxPacketStats(ctx context.Context, name string) (uint64, error) {
	if name == failureName {
		return 0, m.fail("rx_packet_stats", name)
	}
	return 27, nil
}

func (m *Mock) TxPacketStats(ctx context.Context, name string) (uint64, error) {
	if name == failureName {
		return 0, m.fail("tx_packet_stats", name)
	}
	return 8, nil
}

func (m *Mock) WGLatestHandshake(ctx context.Context, name string) (int64, error) {
	if name == failureName {
		return 0, m.fail("wg_latest_handshakes", name)
	}
	return 1656345389, nil
}

func (m *Mock) InterfaceExists(ctx context.Context, name string) (bool, error) {
	if name == failureName {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up[name], nil
}
