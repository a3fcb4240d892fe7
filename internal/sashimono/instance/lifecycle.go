package instance

import (
	"context"
	"errors"
	"fmt"

	"log/slog"

	"github.com/google/uuid"

	"github.com/gadget78/sashimono/internal/sashimono/config"
	"github.com/gadget78/sashimono/internal/sashimono/contract"
	"github.com/gadget78/sashimono/internal/sashimono/hostadapter"
	"github.com/gadget78/sashimono/internal/sashimono/hpfs"
	"github.com/gadget78/sashimono/internal/sashimono/ports"
	"github.com/gadget78/sashimono/internal/sashimono/protocol"
	"github.com/gadget78/sashimono/internal/sashimono/store"
)

// LifecycleError pairs a domain failure with the wire error tag it maps to
// (spec.md §4.6 error-to-code mapping).
type LifecycleError struct {
	Tag string
	Err error
}

func (e *LifecycleError) Error() string {
	if e.Err == nil {
		return e.Tag
	}
	return fmt.Sprintf("%s: %v", e.Tag, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

func tagged(tag string, err error) *LifecycleError {
	return &LifecycleError{Tag: tag, Err: err}
}

// Engine is the slice of hostadapter.Engine the controller depends on.
// Depending on the interface rather than the concrete type lets tests
// substitute a fake engine instead of talking to a real Docker daemon; the
// production EngineFactory below returns a real *hostadapter.Engine, which
// satisfies this interface structurally.
type Engine interface {
	Create(ctx context.Context, username, image, containerName, contractDir string, p hostadapter.Ports) error
	Start(ctx context.Context, containerName string) error
	Stop(ctx context.Context, containerName string) error
	Remove(ctx context.Context, containerName string) error
	Inspect(ctx context.Context, containerName string) (string, error)
	Close() error
}

// EngineFactory opens an Engine scoped to one tenant user.
type EngineFactory func(username string) (Engine, error)

// NewDockerEngineFactory builds the production EngineFactory, one
// per-user Docker Engine client per call (spec.md §4.4).
func NewDockerEngineFactory() EngineFactory {
	return func(username string) (Engine, error) {
		return hostadapter.NewEngine(username)
	}
}

// CreateParams is everything a `create` wire request supplies (spec.md
// §4.1).
type CreateParams struct {
	ContainerName        string
	OwnerPubkey          string
	ContractID           string
	Image                string
	OutboundIPv6         string
	OutboundNetInterface string
	ConfigOverlay        []byte
}

// Controller is the single lifecycle state machine described in spec.md
// §4.6. It is not goroutine-safe by design: the connection server drives it
// from its single worker loop (spec.md §5), so no internal locking is
// needed.
type Controller struct {
	cfg       *config.Config
	catalog   *store.Store
	leases    *store.LeaseStore
	allocator *ports.Allocator
	installer *hostadapter.UserInstaller
	sidecar   hpfs.Sidecar
	newEngine EngineFactory
}

// NewController wires the catalog, port allocator, host adapter, and hpfs
// sidecar into one lifecycle controller.
func NewController(cfg *config.Config, catalog *store.Store, leases *store.LeaseStore, allocator *ports.Allocator, installer *hostadapter.UserInstaller, sidecar hpfs.Sidecar, newEngine EngineFactory) *Controller {
	return &Controller{
		cfg:       cfg,
		catalog:   catalog,
		leases:    leases,
		allocator: allocator,
		installer: installer,
		sidecar:   sidecar,
		newEngine: newEngine,
	}
}

// compensations runs a stack of best-effort rollback closures in reverse
// order. A compensation's own failure is logged but never overrides the
// original error returned to the client (spec.md §7).
type compensations []func()

func (c *compensations) push(fn func()) {
	*c = append(*c, fn)
}

func (c compensations) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// Create runs create_new_instance followed immediately by initiate_instance,
// matching the wire contract's single `create` request (spec.md §4.1, §4.6).
// A failure during create_new_instance maps to create_error; a failure
// during the subsequent initiate_instance maps to initiate_error and leaves
// the instance row in status `created` for the client to retry start logic
// against out-of-band.
func (c *Controller) Create(ctx context.Context, p CreateParams) (*Info, error) {
	info, err := c.createNewInstance(ctx, p)
	if err != nil {
		return nil, err
	}

	if err := c.initiateInstance(ctx, info, p.ConfigOverlay); err != nil {
		return info, &LifecycleError{Tag: protocol.ErrInstance, Err: err}
	}

	info.Status = StatusRunning
	return info, nil
}

func (c *Controller) createNewInstance(ctx context.Context, p CreateParams) (*Info, error) {
	if _, err := c.catalog.Get(ctx, p.ContainerName); err == nil {
		return nil, tagged(protocol.ErrInstanceAlreadyExists, nil)
	} else if err != store.ErrNotFound {
		return nil, tagged(protocol.ErrDBRead, err)
	}

	count, err := c.catalog.AllocatedCount(ctx)
	if err != nil {
		return nil, tagged(protocol.ErrDBRead, err)
	}
	if count >= c.cfg.Limits.MaxInstanceCount {
		return nil, tagged(protocol.ErrMaxAllocReached, nil)
	}

	if _, err := uuid.Parse(p.ContractID); err != nil {
		return nil, tagged(protocol.ErrContractIDBadFormat, err)
	}

	quad := c.allocator.Allocate()
	comp := compensations{}
	comp.push(func() { c.allocator.Release(ports.Quad(quad)) })

	n := uint64(count + 1)
	quotas := deriveQuotas(c.cfg, n)

	_, username, err := c.installer.Install(ctx, hostadapter.InstallParams{
		ContainerName: p.ContainerName,
		CPUMicros:     quotas.CPUMicros,
		MemKBytes:     quotas.MemKBytes,
		SwapKBytes:    quotas.SwapKBytes,
		StorageKBytes: quotas.StorageKBytes,
	})
	if err != nil {
		comp.run()
		return nil, tagged(protocol.ErrUserInstall, err)
	}
	comp.push(func() {
		if uerr := c.installer.Uninstall(ctx, p.ContainerName); uerr != nil {
			slog.Error("compensation: uninstall_user failed", "container", p.ContainerName, "err", uerr)
		}
	})

	contractDir := c.cfg.Paths.InstanceHome + "/" + username + "/" + p.ContainerName
	result, err := contract.Materialize(c.cfg.Paths.TemplatePath, contractDir, username, contract.BaseParams{
		OwnerPubkey: p.OwnerPubkey,
		ContractID:  p.ContractID,
		PeerPort:    quad.PeerPort,
		UserPort:    quad.UserPort,
	}, p.ConfigOverlay)
	if err != nil {
		comp.run()
		if errors.Is(err, contract.ErrInvalidOverlay) {
			return nil, tagged(protocol.ErrContainerConf, err)
		}
		return nil, tagged(protocol.ErrInstance, err)
	}

	engine, err := c.newEngine(username)
	if err != nil {
		comp.run()
		return nil, tagged(protocol.ErrInstance, err)
	}
	defer engine.Close()

	if err := engine.Create(ctx, username, p.Image, p.ContainerName, contractDir, hostadapter.Ports(quad)); err != nil {
		comp.run()
		return nil, tagged(protocol.ErrInstance, err)
	}
	comp.push(func() {
		if rerr := engine.Remove(ctx, p.ContainerName); rerr != nil {
			slog.Error("compensation: engine.remove failed", "container", p.ContainerName, "err", rerr)
		}
	})

	row := &store.Row{
		ContainerName:  p.ContainerName,
		OwnerPubkey:    p.OwnerPubkey,
		ContractID:     p.ContractID,
		Pubkey:         result.Keypair.PublicKeyHex,
		ContractDir:    contractDir,
		ImageName:      p.Image,
		Username:       username,
		Status:         string(StatusCreated),
		PeerPort:       quad.PeerPort,
		UserPort:       quad.UserPort,
		GPTCPPortStart: quad.GPTCPPortStart,
		GPUDPPortStart: quad.GPUDPPortStart,
	}
	if err := c.catalog.Insert(ctx, row); err != nil {
		comp.run()
		return nil, tagged(protocol.ErrDBWrite, err)
	}

	// Port allocation is committed implicitly: the compensation that would
	// release it is never run past this point (spec.md §4.6 step 9).

	return &Info{
		ContainerName: row.ContainerName,
		OwnerPubkey:   row.OwnerPubkey,
		ContractID:    row.ContractID,
		Pubkey:        row.Pubkey,
		ContractDir:   row.ContractDir,
		ImageName:     row.ImageName,
		Username:      row.Username,
		AssignedPorts: Ports(quad),
		Status:        StatusCreated,
	}, nil
}

// initiateInstance is only legal when the instance's current status is
// `created` (spec.md §4.6). It reads the materialized hp.cfg (the overlay was
// already written into it by Materialize) to derive the hpfs settings, pushes
// them to hpfs and starts it, then the engine, then flips the catalog row to
// `running`. The overlay argument is not applied here.
func (c *Controller) initiateInstance(ctx context.Context, info *Info, overlay []byte) error {
	row, err := c.catalog.Get(ctx, info.ContainerName)
	if err != nil {
		return fmt.Errorf("read catalog row: %w", err)
	}
	if row.Status != string(StatusCreated) {
		return &ErrIllegalTransition{Container: info.ContainerName, From: Status(row.Status), Operation: "initiate"}
	}

	doc, err := contract.LoadHPCfg(row.ContractDir)
	if err != nil {
		return fmt.Errorf("load hp.cfg: %w", err)
	}

	logLevel := contract.DeriveHpfsLogLevel(doc)
	isFullHistory := contract.DeriveIsFullHistory(doc)

	comp := compensations{}

	if err := c.sidecar.UpdateServiceConf(ctx, row.Username, logLevel, isFullHistory); err != nil {
		return fmt.Errorf("hpfs update_service_conf: %w", err)
	}
	if err := c.sidecar.Start(ctx, row.Username); err != nil {
		return fmt.Errorf("hpfs start: %w", err)
	}
	comp.push(func() {
		if serr := c.sidecar.Stop(ctx, row.Username); serr != nil {
			slog.Error("compensation: hpfs.stop failed", "container", info.ContainerName, "err", serr)
		}
	})

	engine, err := c.newEngine(row.Username)
	if err != nil {
		comp.run()
		return fmt.Errorf("open engine: %w", err)
	}
	defer engine.Close()

	if err := engine.Start(ctx, info.ContainerName); err != nil {
		comp.run()
		return fmt.Errorf("engine.start: %w", err)
	}

	if err := c.catalog.UpdateStatus(ctx, info.ContainerName, string(StatusRunning)); err != nil {
		if serr := engine.Stop(ctx, info.ContainerName); serr != nil {
			slog.Error("compensation: engine.stop failed", "container", info.ContainerName, "err", serr)
		}
		comp.run()
		return fmt.Errorf("update catalog status: %w", err)
	}

	return nil
}

// Start runs start_container: legal only when status is `stopped` (spec.md
// §4.6).
func (c *Controller) Start(ctx context.Context, containerName string) (*Info, error) {
	row, err := c.catalog.Get(ctx, containerName)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, tagged(protocol.ErrNoContainer, nil)
		}
		return nil, tagged(protocol.ErrDBRead, err)
	}
	if row.Status != string(StatusStopped) {
		return nil, tagged(protocol.ErrStart, &ErrIllegalTransition{Container: containerName, From: Status(row.Status), Operation: "start"})
	}

	doc, err := contract.LoadHPCfg(row.ContractDir)
	if err != nil {
		return nil, tagged(protocol.ErrConfRead, err)
	}
	logLevel := contract.DeriveHpfsLogLevel(doc)
	isFullHistory := contract.DeriveIsFullHistory(doc)

	comp := compensations{}

	if err := c.sidecar.UpdateServiceConf(ctx, row.Username, logLevel, isFullHistory); err != nil {
		return nil, tagged(protocol.ErrContainerConf, err)
	}
	if err := c.sidecar.Start(ctx, row.Username); err != nil {
		return nil, tagged(protocol.ErrContainerUpdate, err)
	}
	comp.push(func() {
		if serr := c.sidecar.Stop(ctx, row.Username); serr != nil {
			slog.Error("compensation: hpfs.stop failed", "container", containerName, "err", serr)
		}
	})

	engine, err := c.newEngine(row.Username)
	if err != nil {
		comp.run()
		return nil, tagged(protocol.ErrStart, err)
	}
	defer engine.Close()

	if err := engine.Start(ctx, containerName); err != nil {
		comp.run()
		return nil, tagged(protocol.ErrStart, err)
	}

	if err := c.catalog.UpdateStatus(ctx, containerName, string(StatusRunning)); err != nil {
		comp.run()
		return nil, tagged(protocol.ErrDBWrite, err)
	}

	return rowToInfo(row, StatusRunning), nil
}

// Stop runs stop_container: legal only when status is `running` (spec.md
// §4.6).
func (c *Controller) Stop(ctx context.Context, containerName string) (*Info, error) {
	row, err := c.catalog.Get(ctx, containerName)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, tagged(protocol.ErrNoContainer, nil)
		}
		return nil, tagged(protocol.ErrDBRead, err)
	}
	if row.Status != string(StatusRunning) {
		return nil, tagged(protocol.ErrStop, &ErrIllegalTransition{Container: containerName, From: Status(row.Status), Operation: "stop"})
	}

	engine, err := c.newEngine(row.Username)
	if err != nil {
		return nil, tagged(protocol.ErrStop, err)
	}
	defer engine.Close()

	if err := engine.Stop(ctx, containerName); err != nil {
		return nil, tagged(protocol.ErrStop, err)
	}

	if err := c.catalog.UpdateStatus(ctx, containerName, string(StatusStopped)); err != nil {
		return nil, tagged(protocol.ErrDBWrite, err)
	}

	if err := c.sidecar.Stop(ctx, row.Username); err != nil {
		slog.Error("hpfs.stop failed after successful engine stop", "container", containerName, "err", err)
	}

	return rowToInfo(row, StatusStopped), nil
}

// Destroy runs destroy_container: legal from any non-destroyed state, and
// idempotent (a second destroy on an already-removed instance returns
// no_container, spec.md §8 invariant 5).
func (c *Controller) Destroy(ctx context.Context, containerName string) error {
	row, err := c.catalog.Get(ctx, containerName)
	if err != nil {
		if err == store.ErrNotFound {
			return tagged(protocol.ErrNoContainer, nil)
		}
		return tagged(protocol.ErrDBRead, err)
	}

	if err := c.installer.Uninstall(ctx, containerName); err != nil {
		return tagged(protocol.ErrUserUninstall, err)
	}

	if err := c.catalog.Delete(ctx, containerName); err != nil {
		return tagged(protocol.ErrDBWrite, err)
	}

	c.allocator.Release(ports.Quad{
		PeerPort:       row.PeerPort,
		UserPort:       row.UserPort,
		GPTCPPortStart: row.GPTCPPortStart,
		GPUDPPortStart: row.GPUDPPortStart,
	})

	return nil
}

// Get returns one instance merged with its lease row, if any (spec.md §4.6
// get_instance).
func (c *Controller) Get(ctx context.Context, containerName string) (*ListEntry, error) {
	row, err := c.catalog.Get(ctx, containerName)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, tagged(protocol.ErrNoContainer, nil)
		}
		return nil, tagged(protocol.ErrDBRead, err)
	}
	return c.mergeWithLease(ctx, row), nil
}

// List returns every instance merged with its lease row by container name
// (spec.md §4.6 get_instance_list).
func (c *Controller) List(ctx context.Context) ([]ListEntry, error) {
	rows, err := c.catalog.List(ctx)
	if err != nil {
		return nil, tagged(protocol.ErrDBRead, err)
	}

	out := make([]ListEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, *c.mergeWithLease(ctx, row))
	}
	return out, nil
}

// reconcileStatus observes the live engine state for a catalog row reported
// as running, so a container that died outside the daemon's control (OOM
// killed, crashed) is reported as exited instead of a stale running (spec.md
// §4.6: exited is observed-only via engine inspect). Any other catalog
// status is returned unchanged — only running needs to be checked against
// reality. Engine-open or inspect failures other than not-found are logged
// and the catalog status is reported as-is: Get/List are read paths and
// must stay resilient to a transient engine/socket problem.
func (c *Controller) reconcileStatus(ctx context.Context, row *store.Row) Status {
	status := Status(row.Status)
	if status != StatusRunning {
		return status
	}

	engine, err := c.newEngine(row.Username)
	if err != nil {
		slog.Warn("reconcile status: open engine failed", "container", row.ContainerName, "err", err)
		return status
	}
	defer engine.Close()

	dockerStatus, err := engine.Inspect(ctx, row.ContainerName)
	if err != nil {
		if errors.Is(err, hostadapter.ErrContainerNotFound) {
			return StatusExited
		}
		slog.Warn("reconcile status: inspect failed", "container", row.ContainerName, "err", err)
		return status
	}
	if dockerStatus != "running" {
		return StatusExited
	}
	return status
}

func (c *Controller) mergeWithLease(ctx context.Context, row *store.Row) *ListEntry {
	entry := &ListEntry{Info: *rowToInfo(row, c.reconcileStatus(ctx, row))}
	if c.leases == nil {
		return entry
	}
	lease, err := c.leases.Get(ctx, row.ContainerName)
	if err != nil {
		return entry
	}
	entry.Lease = &Lease{
		Timestamp:        lease.Timestamp,
		ContainerName:    lease.ContainerName,
		TenantXRPAddress: lease.TenantXRPAddress,
		CreatedOnLedger:  lease.CreatedOnLedger,
		LifeMoments:      lease.LifeMoments,
	}
	return entry
}

func rowToInfo(row *store.Row, status Status) *Info {
	return &Info{
		ContainerName: row.ContainerName,
		OwnerPubkey:   row.OwnerPubkey,
		ContractID:    row.ContractID,
		Pubkey:        row.Pubkey,
		ContractDir:   row.ContractDir,
		ImageName:     row.ImageName,
		IP:            row.IP,
		Username:      row.Username,
		AssignedPorts: Ports{
			PeerPort:       row.PeerPort,
			UserPort:       row.UserPort,
			GPTCPPortStart: row.GPTCPPortStart,
			GPUDPPortStart: row.GPUDPPortStart,
		},
		Status: status,
	}
}

// deriveQuotas splits the configured global caps evenly across the live
// instance count at allocation time (spec.md §4.6 step 5).
func deriveQuotas(cfg *config.Config, n uint64) Resources {
	if n == 0 {
		n = 1
	}
	return Resources{
		CPUMicros:     cfg.Limits.MaxCPUMicros / n,
		MemKBytes:     cfg.Limits.MaxMemKBytes / n,
		SwapKBytes:    cfg.Limits.MaxSwapKBytes / n,
		StorageKBytes: cfg.Limits.MaxStorageKBytes / n,
	}
}
