package hostadapter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Sentinel tokens the install/uninstall helper scripts print as their last
// line of output (spec.md §4.4). Any other terminal token is a hard
// failure — the helpers are opaque shell scripts this agent does not own,
// so their result is read purely from this sentinel convention.
const (
	sentinelInstallSuccess   = "INST_SUC"
	sentinelInstallError     = "INST_ERR"
	sentinelUninstallSuccess = "UNINST_SUC"
	sentinelUninstallError   = "UNINST_ERR"
)

// UserInstaller invokes the install_user.sh / uninstall_user.sh helpers.
// Arguments are always passed as argv, never interpolated into a shell
// string, so a malicious container name or pubkey cannot inject shell
// metacharacters (spec.md §4.4).
type UserInstaller struct {
	InstallScript   string
	UninstallScript string
}

// InstallParams carries the quota and identity arguments the install helper
// expects (spec.md §4.6 step 5: quotas derived as
// max_cap / live_instance_count).
type InstallParams struct {
	ContainerName string
	CPUMicros     uint64
	MemKBytes     uint64
	SwapKBytes    uint64
	StorageKBytes uint64
}

// Install runs install_user.sh and returns the allocated uid and username.
// The helper's last output line must be the INST_SUC sentinel followed by
// "uid username"; any other terminal token is returned as an error.
func (u *UserInstaller) Install(ctx context.Context, p InstallParams) (uid int, username string, err error) {
	args := []string{
		p.ContainerName,
		strconv.FormatUint(p.CPUMicros, 10),
		strconv.FormatUint(p.MemKBytes, 10),
		strconv.FormatUint(p.SwapKBytes, 10),
		strconv.FormatUint(p.StorageKBytes, 10),
	}

	out, err := runHelper(ctx, u.InstallScript, args...)
	if err != nil {
		return 0, "", fmt.Errorf("hostadapter: run install helper: %w", err)
	}

	sentinel, fields := lastSentinelLine(out)
	switch sentinel {
	case sentinelInstallSuccess:
		if len(fields) < 3 {
			return 0, "", fmt.Errorf("hostadapter: install helper success line missing uid/username: %q", out)
		}
		parsedUID, perr := strconv.Atoi(fields[1])
		if perr != nil {
			return 0, "", fmt.Errorf("hostadapter: install helper returned non-numeric uid %q", fields[1])
		}
		return parsedUID, fields[2], nil
	default:
		return 0, "", fmt.Errorf("hostadapter: install helper failed: %s", lastNonEmptyLine(out))
	}
}

// Uninstall runs uninstall_user.sh, which also removes the container and
// contract directory on the agent's behalf (spec.md §4.6 destroy_container).
func (u *UserInstaller) Uninstall(ctx context.Context, containerName string) error {
	out, err := runHelper(ctx, u.UninstallScript, containerName)
	if err != nil {
		return fmt.Errorf("hostadapter: run uninstall helper: %w", err)
	}

	sentinel, _ := lastSentinelLine(out)
	if sentinel != sentinelUninstallSuccess {
		return fmt.Errorf("hostadapter: uninstall helper failed: %s", lastNonEmptyLine(out))
	}
	return nil
}

func runHelper(ctx context.Context, script string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, script, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return "", err
		}
	}
	return buf.String(), nil
}

// lastSentinelLine returns the sentinel token and its whitespace-split
// fields from the last non-empty line of helper output.
func lastSentinelLine(out string) (string, []string) {
	line := lastNonEmptyLine(out)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields
}

func lastNonEmptyLine(out string) string {
	scanner := bufio.NewScanner(strings.NewReader(out))
	var last string
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	return last
}
