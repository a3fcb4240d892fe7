package instance_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/gadget78/sashimono/internal/sashimono/config"
	"github.com/gadget78/sashimono/internal/sashimono/hostadapter"
	"github.com/gadget78/sashimono/internal/sashimono/instance"
	"github.com/gadget78/sashimono/internal/sashimono/ports"
	"github.com/gadget78/sashimono/internal/sashimono/protocol"
	"github.com/gadget78/sashimono/internal/sashimono/store"
)

// fakeEngine stands in for hostadapter.Engine so lifecycle tests never
// touch a real Docker daemon.
type fakeEngine struct {
	failCreate bool
	failStart  bool
	created    bool
	running    bool
}

func (f *fakeEngine) Create(ctx context.Context, username, image, containerName, contractDir string, p hostadapter.Ports) error {
	if f.failCreate {
		return fmt.Errorf("fake: create failed")
	}
	f.created = true
	return nil
}
func (f *fakeEngine) Start(ctx context.Context, containerName string) error {
	if f.failStart {
		return fmt.Errorf("fake: start failed")
	}
	f.running = true
	return nil
}
func (f *fakeEngine) Stop(ctx context.Context, containerName string) error {
	f.running = false
	return nil
}
func (f *fakeEngine) Remove(ctx context.Context, containerName string) error {
	f.created = false
	return nil
}
func (f *fakeEngine) Inspect(ctx context.Context, containerName string) (string, error) {
	if !f.created {
		return "", hostadapter.ErrContainerNotFound
	}
	if f.running {
		return "running", nil
	}
	return "exited", nil
}
func (f *fakeEngine) Close() error { return nil }

// fakeSidecar stands in for hpfs.Sidecar.
type fakeSidecar struct {
	failStart bool
	started   map[string]bool
}

func newFakeSidecar() *fakeSidecar { return &fakeSidecar{started: map[string]bool{}} }

func (s *fakeSidecar) UpdateServiceConf(ctx context.Context, username, logLevel string, isFullHistory bool) error {
	return nil
}
func (s *fakeSidecar) Start(ctx context.Context, username string) error {
	if s.failStart {
		return fmt.Errorf("fake: hpfs start failed")
	}
	s.started[username] = true
	return nil
}
func (s *fakeSidecar) Stop(ctx context.Context, username string) error {
	s.started[username] = false
	return nil
}

func writeFakeHelper(t *testing.T, output string, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake shell helper requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "helper.sh")
	script := fmt.Sprintf("#!/bin/sh\necho '%s'\nexit %d\n", output, exitCode)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake helper: %v", err)
	}
	return path
}

func currentUsername(t *testing.T) string {
	t.Helper()
	u, err := user.Current()
	if err != nil {
		t.Skipf("cannot determine current user: %v", err)
	}
	return u.Username
}

func writeTemplate(t *testing.T) string {
	t.Helper()
	template := t.TempDir()
	if err := os.MkdirAll(filepath.Join(template, "cfg"), 0755); err != nil {
		t.Fatalf("mkdir cfg: %v", err)
	}
	base := map[string]interface{}{
		"node":     map[string]interface{}{"history": "full"},
		"contract": map[string]interface{}{},
		"mesh":     map[string]interface{}{"known_peers": []interface{}{}},
		"user":     map[string]interface{}{},
		"hpfs":     map[string]interface{}{"log": map[string]interface{}{"log_level": "inf"}},
	}
	data, err := json.Marshal(base)
	if err != nil {
		t.Fatalf("marshal template hp.cfg: %v", err)
	}
	if err := os.WriteFile(filepath.Join(template, "cfg", "hp.cfg"), data, 0644); err != nil {
		t.Fatalf("write template hp.cfg: %v", err)
	}
	return template
}

type testHarness struct {
	ctrl    *instance.Controller
	catalog *store.Store
	alloc   *ports.Allocator
	engine  *fakeEngine
	sidecar *fakeSidecar
	cfg     *config.Config
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	username := currentUsername(t)

	dbFile := filepath.Join(t.TempDir(), "catalog.db")
	catalog, err := store.New(dbFile)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })

	installScript := writeFakeHelper(t, "INST_SUC 1500 "+username, 0)
	uninstallScript := writeFakeHelper(t, "UNINST_SUC", 0)
	installer := &hostadapter.UserInstaller{InstallScript: installScript, UninstallScript: uninstallScript}

	alloc := ports.New(22861, 26201, 36525, 39064, nil, ports.Quad{})
	sidecar := newFakeSidecar()
	engine := &fakeEngine{}

	cfg := &config.Config{
		Paths: config.PathsConfig{
			TemplatePath: writeTemplate(t),
			InstanceHome: t.TempDir(),
		},
		Limits: config.LimitsConfig{
			MaxInstanceCount: 2,
			MaxCPUMicros:     4_000_000,
			MaxMemKBytes:     4 * 1024 * 1024,
			MaxSwapKBytes:    4 * 1024 * 1024,
			MaxStorageKBytes: 16 * 1024 * 1024,
		},
	}

	ctrl := instance.NewController(cfg, catalog, nil, alloc, installer, sidecar, func(string) (instance.Engine, error) {
		return engine, nil
	})

	return &testHarness{ctrl: ctrl, catalog: catalog, alloc: alloc, engine: engine, sidecar: sidecar, cfg: cfg}
}

func createParams(name string) instance.CreateParams {
	return instance.CreateParams{
		ContainerName: name,
		OwnerPubkey:   "edOwner",
		ContractID:    "3b241101-e2bb-4255-8caf-4136c566a962",
		Image:         "evernode/sashimono:latest",
	}
}

func TestCreateSucceedsAndRunsInitiate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	info, err := h.ctrl.Create(ctx, createParams("sashi001"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.Status != instance.StatusRunning {
		t.Errorf("status = %q, want running", info.Status)
	}
	if !h.engine.created || !h.engine.running {
		t.Error("expected fake engine to have been created and started")
	}

	row, err := h.catalog.Get(ctx, "sashi001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Status != string(instance.StatusRunning) {
		t.Errorf("catalog status = %q, want running", row.Status)
	}
}

func TestCreateDuplicateNameRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.ctrl.Create(ctx, createParams("sashi002")); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := h.ctrl.Create(ctx, createParams("sashi002"))
	if err == nil {
		t.Fatal("expected error on duplicate container name")
	}
	le, ok := err.(*instance.LifecycleError)
	if !ok || le.Tag != protocol.ErrInstanceAlreadyExists {
		t.Errorf("err = %v, want tag %s", err, protocol.ErrInstanceAlreadyExists)
	}
}

func TestCreateBadContractIDRejected(t *testing.T) {
	h := newHarness(t)
	p := createParams("sashi003")
	p.ContractID = "not-a-uuid"

	_, err := h.ctrl.Create(context.Background(), p)
	if err == nil {
		t.Fatal("expected error for malformed contract id")
	}
	le, ok := err.(*instance.LifecycleError)
	if !ok || le.Tag != protocol.ErrContractIDBadFormat {
		t.Errorf("err = %v, want tag %s", err, protocol.ErrContractIDBadFormat)
	}
}

func TestCreateRejectedAtCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.ctrl.Create(ctx, createParams("sashi004")); err != nil {
		t.Fatalf("Create 1: %v", err)
	}
	if _, err := h.ctrl.Create(ctx, createParams("sashi005")); err != nil {
		t.Fatalf("Create 2: %v", err)
	}

	_, err := h.ctrl.Create(ctx, createParams("sashi006"))
	if err == nil {
		t.Fatal("expected max_alloc_reached error")
	}
	le, ok := err.(*instance.LifecycleError)
	if !ok || le.Tag != protocol.ErrMaxAllocReached {
		t.Errorf("err = %v, want tag %s", err, protocol.ErrMaxAllocReached)
	}
}

func TestStartIllegalWhenRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.ctrl.Create(ctx, createParams("sashi007")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := h.ctrl.Start(ctx, "sashi007")
	if err == nil {
		t.Fatal("expected error starting an already-running instance")
	}
	le, ok := err.(*instance.LifecycleError)
	if !ok || le.Tag != protocol.ErrStart {
		t.Errorf("err = %v, want LifecycleError with tag %q", err, protocol.ErrStart)
	}
}

func TestStopThenStartRoundTrips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.ctrl.Create(ctx, createParams("sashi008")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stopped, err := h.ctrl.Stop(ctx, "sashi008")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.Status != instance.StatusStopped {
		t.Errorf("status after stop = %q, want stopped", stopped.Status)
	}

	started, err := h.ctrl.Start(ctx, "sashi008")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != instance.StatusRunning {
		t.Errorf("status after start = %q, want running", started.Status)
	}
}

func TestStopIllegalWhenStopped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.ctrl.Create(ctx, createParams("sashi009")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.ctrl.Stop(ctx, "sashi009"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	_, err := h.ctrl.Stop(ctx, "sashi009")
	if err == nil {
		t.Fatal("expected error stopping an already-stopped instance")
	}
	le, ok := err.(*instance.LifecycleError)
	if !ok || le.Tag != protocol.ErrStop {
		t.Errorf("err = %v, want LifecycleError with tag %q", err, protocol.ErrStop)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.ctrl.Create(ctx, createParams("sashi010")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := h.ctrl.Destroy(ctx, "sashi010"); err != nil {
		t.Fatalf("first Destroy: %v", err)
	}

	err := h.ctrl.Destroy(ctx, "sashi010")
	if err == nil {
		t.Fatal("expected no_container on repeat destroy")
	}
	le, ok := err.(*instance.LifecycleError)
	if !ok || le.Tag != protocol.ErrNoContainer {
		t.Errorf("err = %v, want tag %s", err, protocol.ErrNoContainer)
	}
}

func TestDestroyReleasesPortsForReuse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.ctrl.Create(ctx, createParams("sashi011"))
	if err != nil {
		t.Fatalf("Create 1: %v", err)
	}
	if err := h.ctrl.Destroy(ctx, "sashi011"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	second, err := h.ctrl.Create(ctx, createParams("sashi012"))
	if err != nil {
		t.Fatalf("Create 2: %v", err)
	}
	if !second.AssignedPorts.Equal(first.AssignedPorts) {
		t.Errorf("expected recycled port quad %+v, got %+v", first.AssignedPorts, second.AssignedPorts)
	}
}

func TestGetUnknownContainerReturnsNoContainer(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Get(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected error for unknown container")
	}
	le, ok := err.(*instance.LifecycleError)
	if !ok || le.Tag != protocol.ErrNoContainer {
		t.Errorf("err = %v, want tag %s", err, protocol.ErrNoContainer)
	}
}

func TestListMergesMultipleInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.ctrl.Create(ctx, createParams("sashi013")); err != nil {
		t.Fatalf("Create 1: %v", err)
	}
	if _, err := h.ctrl.Create(ctx, createParams("sashi014")); err != nil {
		t.Fatalf("Create 2: %v", err)
	}

	list, err := h.ctrl.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}
}

func TestGetReportsExitedWhenEngineStateDiverges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.ctrl.Create(ctx, createParams("sashi015")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Simulate the container dying outside the daemon's control (e.g. OOM
	// killed) without the catalog ever being told: the row still says
	// running, but the engine no longer agrees.
	h.engine.running = false

	entry, err := h.ctrl.Get(ctx, "sashi015")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Status != instance.StatusExited {
		t.Errorf("status = %q, want exited once the engine disagrees with the catalog", entry.Status)
	}

	list, err := h.ctrl.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Status != instance.StatusExited {
		t.Errorf("List()[0].Status = %v, want exited", list)
	}
}

func TestGetReportsExitedWhenContainerNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.ctrl.Create(ctx, createParams("sashi016")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Simulate the container having been removed entirely behind the
	// daemon's back.
	h.engine.created = false

	entry, err := h.ctrl.Get(ctx, "sashi016")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Status != instance.StatusExited {
		t.Errorf("status = %q, want exited when the engine reports container_not_found", entry.Status)
	}
}
