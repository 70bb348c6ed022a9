// Package driver abstracts the external commands and kernel interfaces
// a tunnel's lifecycle depends on, so the tunnel actor and registry can
// be tested against a Mock instead of shelling out for real.
package driver

import (
	"context"
	"fmt"

	"github.com/peridio/peridio-rat/model"
	"github.com/peridio/peridio-rat/quickconfig"
)

// CommandError carries the (stdout, exit_code) pair of a failed external
// command, matching the propagation contract described for driver
// errors: callers get the raw exit status, not just a message.
type CommandError struct {
	Cmd      string
	Stdout   string
	Stderr   string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("driver: %s: exit %d: %s", e.Cmd, e.ExitCode, firstNonEmpty(e.Stderr, e.Stdout))
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// ListedInterface is one entry returned by ListInterfaces: a parsed
// .conf file plus the path it came from.
type ListedInterface struct {
	Path    string
	Decoded quickconfig.Decoded
}

// Driver is the set of operations the tunnel lifecycle needs from the
// host: creating and tearing down kernel interfaces, writing and
// removing .conf files, and reading back liveness statistics.
type Driver interface {
	CreateInterface(ctx context.Context, name string) error
	ConfigureWireGuard(ctx context.Context, iface model.Interface, peer model.Peer, tunnelID string, opts model.Options) error
	BringUpInterface(ctx context.Context, name string, opts model.Options) error
	TeardownInterface(ctx context.Context, name string, opts model.Options) error
	ListInterfaces(ctx context.Context, opts model.Options) ([]ListedInterface, error)
	GenerateKeyPair(ctx context.Context) (privateKey, publicKey string, err error)
	RxPacketStats(ctx context.Context, name string) (uint64, error)
	TxPacketStats(ctx context.Context, name string) (uint64, error)
	WGLatestHandshake(ctx context.Context, name string) (int64, error)
	// InterfaceExists reports whether an OS interface by this name is
	// currently present, used by the bring-up poll and by adoption.
	InterfaceExists(ctx context.Context, name string) (bool, error)
}

// confPath is the on-disk location of a tunnel's .conf file, shared by
// every Driver implementation and by the codec round-trip used to
// adopt an existing tunnel on restart.
func confPath(dataDir, name string) string {
	if dataDir == "" {
		dataDir = "."
	}
	return dataDir + "/" + name + ".conf"
}
