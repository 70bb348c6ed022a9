// Command tunneld loads a config file, builds the driver/scanner/
// allocator/registry dependency graph, and reconciles the declarative
// list of tunnels the config says should exist. It has no RPC or HTTP
// surface: driving open/close/extend from outside the process is out
// of scope, so tunneld's only job past startup is to keep those
// tunnels alive and log their lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/peridio/peridio-rat/alloc"
	"github.com/peridio/peridio-rat/config"
	"github.com/peridio/peridio-rat/driver"
	"github.com/peridio/peridio-rat/ipcidr"
	"github.com/peridio/peridio-rat/model"
	"github.com/peridio/peridio-rat/registry"
	"github.com/peridio/peridio-rat/scan"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "config file path")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunneld: building logger: %s\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)
	defer zap.S().Sync()

	if configPath == "" {
		zap.S().Fatalf("loading config failed: -config is required")
	}
	c, err := config.Load(configPath)
	if err != nil {
		zap.S().Fatalf("loading config failed: %s", err)
	}

	drv, err := buildDriver(c)
	if err != nil {
		zap.S().Fatalf("building driver failed: %s", err)
	}
	reg := registry.New(drv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reconcile(ctx, c, reg, drv); err != nil {
		zap.S().Fatalf("startup reconciliation failed: %s", err)
	}

	zap.S().Infof("tunneld: up, tracking %d tunnel(s)", len(reg.List()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	zap.S().Infof("tunneld: shutting down")
	for _, e := range reg.List() {
		if err := reg.Close(e.ID, model.ExitNormal); err != nil {
			zap.S().Warnf("tunneld: closing %s: %s", e.ID, err)
		}
	}
}

func buildDriver(c config.Config) (driver.Driver, error) {
	switch c.Driver {
	case "exec", "":
		return driver.NewExec()
	case "netlink":
		return newNetlinkDriver()
	default:
		return nil, fmt.Errorf("tunneld: unknown driver %q", c.Driver)
	}
}

// reconcile allocates an address and port for every configured tunnel
// missing from the registry and opens it, mirroring the entry sequence
// §4.6 describes: existing .conf files matching a tunnel id are picked
// up by tunnel.Open itself, so reconcile only needs to supply fresh
// descriptors for tunnels that have never been configured.
func reconcile(ctx context.Context, c config.Config, reg *registry.Registry, drv driver.Driver) error {
	pool, err := c.AddressPoolCIDRs()
	if err != nil {
		return err
	}
	portRange := c.PortRange()

	listed, err := drv.ListInterfaces(ctx, model.Options{DataDir: c.DataDir})
	if err != nil {
		zap.S().Warnf("tunneld: listing existing interfaces: %s", err)
	}
	liveCIDRs := make([]ipcidr.CIDR, 0, len(listed))
	takenAddrs := map[ipcidr.IP]bool{}
	takenPorts := map[int]bool{}
	for _, li := range listed {
		liveCIDRs = append(liveCIDRs, ipcidr.New(li.Decoded.Interface.IPAddress, 32))
		takenAddrs[li.Decoded.Interface.IPAddress] = true
		takenPorts[li.Decoded.Interface.Port] = true
	}

	reserved, err := scan.ReservedCIDRs(liveCIDRs)
	if err != nil {
		zap.S().Warnf("tunneld: scanning reserved addresses: %s", err)
	}
	free := alloc.AvailableCIDRs(pool, reserved)

	udpReserved, err := scan.ReservedPorts(ctx, scan.ProtocolUDP, portRange.Start, portRange.End)
	if err != nil {
		zap.S().Warnf("tunneld: scanning reserved udp ports: %s", err)
	}
	tcpReserved, err := scan.ReservedPorts(ctx, scan.ProtocolTCP, portRange.Start, portRange.End)
	if err != nil {
		zap.S().Warnf("tunneld: scanning reserved tcp ports: %s", err)
	}
	reservedPorts := append(udpReserved, tcpReserved...)
	reservedPorts = append(reservedPorts, c.ReservedPorts...)
	freePorts := alloc.SplitRange(portRange, reservedPorts)

	for _, t := range c.Tunnels {
		if _, err := reg.GetState(t.ID); err == nil {
			continue
		}
		localIP, err := alloc.PickAddress(free, takenAddrs)
		if err != nil {
			return fmt.Errorf("tunneld: allocating address for %s: %w", t.ID, err)
		}
		takenAddrs[localIP] = true
		localPort, err := alloc.PickPort(freePorts, takenPorts)
		if err != nil {
			return fmt.Errorf("tunneld: allocating port for %s: %w", t.ID, err)
		}
		takenPorts[localPort] = true

		ifaceID, err := model.NewInterfaceID()
		if err != nil {
			return fmt.Errorf("tunneld: generating interface id for %s: %w", t.ID, err)
		}
		priv, pub, err := drv.GenerateKeyPair(ctx)
		if err != nil {
			return fmt.Errorf("tunneld: generating keypair for %s: %w", t.ID, err)
		}

		iface := model.Interface{ID: ifaceID, IPAddress: localIP, Port: localPort, PrivateKey: priv, PublicKey: pub}
		peerIP := localIP.Next()
		peer := model.Peer{
			IPAddress:           peerIP,
			Endpoint:            t.PeerEndpoint,
			Port:                t.PeerPort,
			PublicKey:           t.PeerPublicKey,
			PersistentKeepalive: t.PersistentKeepalive,
		}
		opts := model.Options{
			DataDir:       c.DataDir,
			ExpiresAt:     time.Now().Add(c.DefaultTTL),
			StaleShutdown: c.StaleShutdown,
		}

		if _, err := reg.Open(ctx, t.ID, iface, peer, opts); err != nil {
			return fmt.Errorf("tunneld: opening %s: %w", t.ID, err)
		}
		zap.S().Infof("tunneld: opened %s on %s (%s)", t.ID, ifaceID, localIP)
	}
	return nil
}
