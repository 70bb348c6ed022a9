package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/peridio/peridio-rat/model"
	"github.com/peridio/peridio-rat/quickconfig"
)

// Exec is the default Driver: it shells out to wg, wg-quick, and ip,
// and reads /sys/class/net for interface statistics, the same
// LookPath-at-construction idiom used elsewhere in this corpus for
// exec-based backends.
type Exec struct {
	wgPath      string
	wgQuickPath string
	ipPath      string
	ssPath      string
}

// NewExec resolves wg, wg-quick, ip, and ss on PATH, failing fast if any
// is missing rather than failing on first use.
func NewExec() (*Exec, error) {
	paths := map[string]*string{}
	e := &Exec{}
	paths["wg"] = &e.wgPath
	paths["wg-quick"] = &e.wgQuickPath
	paths["ip"] = &e.ipPath
	paths["ss"] = &e.ssPath
	for cmd, dst := range paths {
		p, err := osexec.LookPath(cmd)
		if err != nil {
			return nil, fmt.Errorf("driver: locating %s: %w", cmd, err)
		}
		*dst = p
	}
	return e, nil
}

func (e *Exec) run(ctx context.Context, binary string, args ...string) (string, error) {
	cmd := osexec.CommandContext(ctx, binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	stdout := out.String()
	if err != nil {
		exitCode := 1
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return stdout, &CommandError{Cmd: binary + " " + strings.Join(args, " "), Stdout: stdout, ExitCode: exitCode}
	}
	return stdout, nil
}

// CreateInterface runs `ip link add dev <name> type wireguard`.
func (e *Exec) CreateInterface(ctx context.Context, name string) error {
	_, err := e.run(ctx, e.ipPath, "link", "add", "dev", name, "type", "wireguard")
	return err
}

// ConfigureWireGuard writes the .conf file via the quick-config codec.
func (e *Exec) ConfigureWireGuard(ctx context.Context, iface model.Interface, peer model.Peer, tunnelID string, opts model.Options) error {
	cfg := quickconfig.Build(iface, peer, tunnelID, opts)
	path := confPath(opts.DataDir, iface.ID)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("driver: writing %s: %w", path, err)
	}
	defer f.Close()
	if err := quickconfig.Encode(f, cfg); err != nil {
		return fmt.Errorf("driver: encoding %s: %w", path, err)
	}
	zap.S().Debugf("wrote %s", path)
	return nil
}

// BringUpInterface runs `wg-quick up <conf>`.
func (e *Exec) BringUpInterface(ctx context.Context, name string, opts model.Options) error {
	_, err := e.run(ctx, e.wgQuickPath, "up", confPath(opts.DataDir, name))
	return err
}

// TeardownInterface runs `wg-quick down <conf>`, then removes the .conf
// file regardless of that command's exit status.
func (e *Exec) TeardownInterface(ctx context.Context, name string, opts model.Options) error {
	path := confPath(opts.DataDir, name)
	_, runErr := e.run(ctx, e.wgQuickPath, "down", path)
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		zap.S().Warnf("removing %s: %s", path, rmErr)
	}
	return runErr
}

// ListInterfaces lists and parses every *.conf file in opts.DataDir.
func (e *Exec) ListInterfaces(ctx context.Context, opts model.Options) ([]ListedInterface, error) {
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = os.TempDir()
	}
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("driver: listing %s: %w", dataDir, err)
	}
	var out []ListedInterface
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".conf") {
			continue
		}
		path := filepath.Join(dataDir, entry.Name())
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("driver: opening %s: %w", path, err)
		}
		cfg, parseErr := quickconfig.Parse(f)
		f.Close()
		if parseErr != nil {
			zap.S().Warnf("skipping %s: %s", path, parseErr)
			continue
		}
		decoded, decodeErr := quickconfig.Decode(cfg)
		if decodeErr != nil {
			zap.S().Warnf("skipping %s: %s", path, decodeErr)
			continue
		}
		out = append(out, ListedInterface{Path: path, Decoded: decoded})
	}
	return out, nil
}

// GenerateKeyPair pipes `wg genkey` into `wg pubkey`.
func (e *Exec) GenerateKeyPair(ctx context.Context) (string, string, error) {
	priv, err := e.run(ctx, e.wgPath, "genkey")
	if err != nil {
		return "", "", err
	}
	priv = strings.TrimSpace(priv)

	cmd := osexec.CommandContext(ctx, e.wgPath, "pubkey")
	cmd.Stdin = strings.NewReader(priv + "\n")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", "", fmt.Errorf("driver: wg pubkey: %w", err)
	}
	return priv, strings.TrimSpace(out.String()), nil
}

// RxPacketStats reads /sys/class/net/<name>/statistics/rx_packets.
func (e *Exec) RxPacketStats(ctx context.Context, name string) (uint64, error) {
	return readStatistic(name, "rx_packets")
}

// TxPacketStats reads /sys/class/net/<name>/statistics/tx_packets.
func (e *Exec) TxPacketStats(ctx context.Context, name string) (uint64, error) {
	return readStatistic(name, "tx_packets")
}

func readStatistic(name, stat string) (uint64, error) {
	path := fmt.Sprintf("/sys/class/net/%s/statistics/%s", name, stat)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("driver: reading %s: %w", path, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("driver: parsing %s: %w", path, err)
	}
	return v, nil
}

// WGLatestHandshake runs `wg show <name> latest-handshakes` and parses
// the second whitespace-separated field as unix seconds. Empty output
// (no peers configured yet) is reported as 0.
func (e *Exec) WGLatestHandshake(ctx context.Context, name string) (int64, error) {
	out, err := e.run(ctx, e.wgPath, "show", name, "latest-handshakes")
	if err != nil {
		return 0, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return 0, nil
	}
	fields := strings.Fields(strings.SplitN(out, "\n", 2)[0])
	if len(fields) < 2 {
		return 0, fmt.Errorf("driver: unexpected `wg show latest-handshakes` output %q", out)
	}
	return strconv.ParseInt(fields[1], 10, 64)
}

// InterfaceExists reports whether name is a link the kernel knows about.
func (e *Exec) InterfaceExists(ctx context.Context, name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("driver: looking up interface %s: %w", name, err)
	}
	return true, nil
}
