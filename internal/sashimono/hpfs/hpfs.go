// Package hpfs controls the sidecar filesystem service each instance runs
// alongside its container. The daemon treats hpfs as an opaque collaborator:
// it only needs to push configuration and toggle the per-user service,
// never to speak its filesystem protocol (spec.md §1, §4.6).
package hpfs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Sidecar is the opaque hpfs collaborator interface. A username-scoped
// systemd unit is assumed to exist per instance (`hpfs@<username>.service`),
// mirroring how the per-user Docker engine socket is scoped.
type Sidecar interface {
	UpdateServiceConf(ctx context.Context, username string, logLevel string, isFullHistory bool) error
	Start(ctx context.Context, username string) error
	Stop(ctx context.Context, username string) error
}

// SystemdSidecar drives hpfs through systemd unit files templated per user,
// the same shape the readiness probe uses for the cgroup rules service.
type SystemdSidecar struct{}

// UpdateServiceConf writes the hpfs log level and history mode into the
// per-user hpfs environment file and reloads the unit so the next start
// picks it up.
func (SystemdSidecar) UpdateServiceConf(ctx context.Context, username, logLevel string, isFullHistory bool) error {
	envFile := fmt.Sprintf("/etc/sashimono/hpfs/%s.env", username)
	fullHistoryFlag := "false"
	if isFullHistory {
		fullHistoryFlag = "true"
	}
	content := fmt.Sprintf("HPFS_LOG_LEVEL=%s\nHPFS_FULL_HISTORY=%s\n", logLevel, fullHistoryFlag)

	if err := writeFile(envFile, content); err != nil {
		return fmt.Errorf("hpfs: write service conf for %q: %w", username, err)
	}
	if err := run(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("hpfs: reload systemd units after conf update: %w", err)
	}
	return nil
}

// Start starts the per-user hpfs unit.
func (SystemdSidecar) Start(ctx context.Context, username string) error {
	if err := run(ctx, "systemctl", "start", unitName(username)); err != nil {
		return fmt.Errorf("hpfs: start service for %q: %w", username, err)
	}
	return nil
}

// Stop stops the per-user hpfs unit.
func (SystemdSidecar) Stop(ctx context.Context, username string) error {
	if err := run(ctx, "systemctl", "stop", unitName(username)); err != nil {
		return fmt.Errorf("hpfs: stop service for %q: %w", username, err)
	}
	return nil
}

func unitName(username string) string {
	return fmt.Sprintf("hpfs@%s.service", username)
}

func run(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}
