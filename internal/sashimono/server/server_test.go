package server_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gadget78/sashimono/internal/sashimono/config"
	"github.com/gadget78/sashimono/internal/sashimono/hostadapter"
	"github.com/gadget78/sashimono/internal/sashimono/hpfs"
	"github.com/gadget78/sashimono/internal/sashimono/instance"
	"github.com/gadget78/sashimono/internal/sashimono/ports"
	"github.com/gadget78/sashimono/internal/sashimono/protocol"
	"github.com/gadget78/sashimono/internal/sashimono/server"
	"github.com/gadget78/sashimono/internal/sashimono/store"
)

type noopSidecar struct{}

func (noopSidecar) UpdateServiceConf(ctx context.Context, username, logLevel string, isFullHistory bool) error {
	return nil
}
func (noopSidecar) Start(ctx context.Context, username string) error { return nil }
func (noopSidecar) Stop(ctx context.Context, username string) error  { return nil }

var _ hpfs.Sidecar = noopSidecar{}

func newTestDispatcher(t *testing.T) *server.Dispatcher {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	catalog, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })

	alloc := ports.New(22861, 26201, 36525, 39064, nil, ports.Quad{})

	cfg := &config.Config{}
	cfg.Limits.MaxInstanceCount = 2

	ctrl := instance.NewController(cfg, catalog, nil, alloc, &hostadapter.UserInstaller{}, noopSidecar{}, func(string) (instance.Engine, error) {
		t.Fatal("engine factory should not be invoked by this test")
		return nil, nil
	})

	return server.NewDispatcher(ctrl)
}

func startTestServer(t *testing.T) (string, func()) {
	t.Helper()

	sockPath := filepath.Join(t.TempDir(), "sa.sock")
	cfg := config.SocketConfig{
		Path:       sockPath,
		OwnerGroup: "",
		Mode:       0660,
		Backlog:    20,
	}

	srv := server.New(cfg, newTestDispatcher(t))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(sockPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("admin socket %q never appeared", sockPath)
		}
		time.Sleep(5 * time.Millisecond)
	}

	stop := func() {
		srv.Stop()
		if err := <-errCh; err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
		if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
			t.Errorf("socket file %q still exists after Stop", sockPath)
		}
	}
	return sockPath, stop
}

func sendFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	var lenBuf [8]byte
	binary.BigEndian.PutUint32(lenBuf[4:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Fatalf("write frame length: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write frame body: %v", err)
	}
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return payload
}

func TestListRoundTrip(t *testing.T) {
	sockPath, stop := startTestServer(t)
	defer stop()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, err := json.Marshal(map[string]string{"type": "list"})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	sendFrame(t, conn, req)

	respPayload := readFrame(t, conn)
	var resp protocol.Response
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Type != protocol.TypeListRes {
		t.Fatalf("response type = %q, want %q", resp.Type, protocol.TypeListRes)
	}
}

func TestDestroyUnknownContainerReturnsNoContainer(t *testing.T) {
	sockPath, stop := startTestServer(t)
	defer stop()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, err := json.Marshal(map[string]string{"type": "destroy", "container_name": "does-not-exist"})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	sendFrame(t, conn, req)

	respPayload := readFrame(t, conn)
	var resp protocol.Response
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Type != protocol.TypeDestroyError {
		t.Fatalf("response type = %q, want %q", resp.Type, protocol.TypeDestroyError)
	}
	if resp.Content != protocol.ErrNoContainer {
		t.Fatalf("response content = %v, want %q", resp.Content, protocol.ErrNoContainer)
	}
}

func TestSessionClosesAfterConsecutiveEmptyReads(t *testing.T) {
	sockPath, stop := startTestServer(t)
	defer stop()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Send nothing: the server's per-session reads all time out empty, and
	// after 5 consecutive empties it closes the data socket from its side.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 {
		t.Fatalf("expected no bytes from a session that only saw empty reads, got %d", n)
	}
	if err == nil {
		t.Fatal("expected the server to close the connection after 5 consecutive empty reads")
	}
}

func TestServeUnlinksSocketOnStop(t *testing.T) {
	sockPath, stop := startTestServer(t)
	if _, err := os.Stat(sockPath); err != nil {
		t.Fatalf("expected socket to exist while serving: %v", err)
	}
	stop()
}
