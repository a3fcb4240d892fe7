// Package app wires every sashimono daemon subsystem together and drives its
// startup/shutdown sequence.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gadget78/sashimono/internal/sashimono/config"
	"github.com/gadget78/sashimono/internal/sashimono/hostadapter"
	"github.com/gadget78/sashimono/internal/sashimono/hpfs"
	"github.com/gadget78/sashimono/internal/sashimono/instance"
	"github.com/gadget78/sashimono/internal/sashimono/ports"
	"github.com/gadget78/sashimono/internal/sashimono/server"
	"github.com/gadget78/sashimono/internal/sashimono/store"
)

// catalogFileName and leaseFileName are fixed relative to cfg.Paths.DataDir
// (spec.md §6: "<data_dir>/sa.sqlite", "<data_dir>/mb-xrpl/mb-xrpl.sqlite").
const (
	catalogFileName = "sa.sqlite"
	leaseFileName   = "mb-xrpl/mb-xrpl.sqlite"
)

// App holds every subsystem the daemon needs for its lifetime: the catalog
// and lease connections, the port allocator, the lifecycle controller, and
// the admin socket server (spec.md §4).
type App struct {
	cfg *config.Config

	catalog *store.Store
	leases  *store.LeaseStore
	ctrl    *instance.Controller
	srv     *server.Server
}

// New constructs an App from cfg: runs the startup readiness probe, opens
// the catalog and the external lease database, rebuilds the port allocator
// from the catalog's current state, and wires the lifecycle controller and
// admin socket server on top (spec.md §4.4, §4.6, §4.7).
//
// The lease database is a read-only external collaborator (spec.md §1); if
// it is not present yet (e.g. first boot, before any lease has ever been
// issued) the daemon still starts, with list/inspect responses simply
// carrying no Lease.
func New(cfg *config.Config) (*App, error) {
	if err := hostadapter.SystemReady(hostadapter.ReadinessConfig{
		CgroupServiceName: cfg.Readable.CgroupServiceName,
		CgroupsConfPath:   cfg.Readable.CgroupsConfPath,
		PackageTag:        cfg.Readable.PackageTag,
		RebootMarkerGlob:  cfg.Readable.RebootMarkerGlob,
	}); err != nil {
		return nil, fmt.Errorf("app: readiness probe: %w", err)
	}

	catalogPath := cfg.Paths.DataDir + "/" + catalogFileName
	catalog, err := store.New(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("app: open catalog at %q: %w", catalogPath, err)
	}

	ctx := context.Background()
	assigned, err := catalog.AllPeerPorts(ctx)
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("app: read assigned peer ports: %w", err)
	}
	maxPeer, maxUser, maxGPTCP, maxGPUDP, err := catalog.MaxPorts(ctx)
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("app: read max assigned ports: %w", err)
	}

	alloc := ports.New(
		cfg.Ports.InitPeerPort, cfg.Ports.InitUserPort, cfg.Ports.InitGPTCPPort, cfg.Ports.InitGPUDPPort,
		assigned,
		ports.Quad{PeerPort: maxPeer, UserPort: maxUser, GPTCPPortStart: maxGPTCP, GPUDPPortStart: maxGPUDP},
	)

	leasePath := cfg.Paths.DataDir + "/" + leaseFileName
	leases, err := store.OpenLeaseStore(leasePath)
	if err != nil {
		slog.Warn("lease database unavailable, list/inspect will carry no lease data", "path", leasePath, "err", err)
		leases = nil
	}

	installer := &hostadapter.UserInstaller{
		InstallScript:   cfg.Helpers.InstallUserScript,
		UninstallScript: cfg.Helpers.UninstallUserScript,
	}

	ctrl := instance.NewController(cfg, catalog, leases, alloc, installer, hpfs.SystemdSidecar{}, instance.NewDockerEngineFactory())

	srv := server.New(cfg.Socket, server.NewDispatcher(ctrl))

	return &App{cfg: cfg, catalog: catalog, leases: leases, ctrl: ctrl, srv: srv}, nil
}

// Run binds the admin socket and blocks until SIGINT/SIGTERM or the server
// exits on its own, then shuts down gracefully (spec.md §4.7's shutdown
// sequence; mirrors the teacher's own Run/Stop split).
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	slog.Info("sashimono daemon running", "socket", a.cfg.Socket.Path)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: admin socket server: %w", err)
		}
	}

	a.Stop()
	return nil
}

// Stop drains the admin socket server and closes the catalog/lease
// connections, in the reverse order they were opened.
func (a *App) Stop() {
	slog.Info("stopping admin socket server")
	a.srv.Stop()

	if a.leases != nil {
		slog.Info("closing lease database")
		if err := a.leases.Close(); err != nil {
			slog.Error("close lease database", "err", err)
		}
	}

	slog.Info("closing catalog")
	if err := a.catalog.Close(); err != nil {
		slog.Error("close catalog", "err", err)
	}
}
