package hostadapter

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// cgroupRuleRe matches the required cgrules.conf entry
// "@sashiuser <ws> cpu,memory <ws> %u-cg" (spec.md §4.4).
var cgroupRuleRe = regexp.MustCompile(`@sashiuser\s+cpu,memory\s+%u-cg`)

// ReadinessConfig names the host paths and identifiers the probe checks.
type ReadinessConfig struct {
	CgroupServiceName string
	CgroupsConfPath   string
	PackageTag        string
	RebootMarkerGlob  string
}

// SystemReady runs the startup readiness probe. Conditions are checked in
// order and the first failure aborts with ErrReadinessFailed wrapped with
// the specific reason; this ordering matches the original agent's
// short-circuit check sequence (spec.md §4.4, confirmed against the
// original source's service bring-up routine).
func SystemReady(cfg ReadinessConfig) error {
	if err := checkCgroupServiceActive(cfg.CgroupServiceName); err != nil {
		return err
	}
	if err := checkCgroupMountsPresent(); err != nil {
		return err
	}
	if err := checkCgroupRulesConf(cfg.CgroupsConfPath); err != nil {
		return err
	}
	if err := checkNoPendingReboot(cfg.RebootMarkerGlob, cfg.PackageTag); err != nil {
		return err
	}
	return nil
}

func checkCgroupServiceActive(serviceName string) error {
	out, err := exec.Command("systemctl", "is-active", serviceName).Output()
	if err != nil || strings.TrimSpace(string(out)) != "active" {
		return fmt.Errorf("%w: cgroup service %q is not active", ErrReadinessFailed, serviceName)
	}
	return nil
}

func checkCgroupMountsPresent() error {
	for _, sub := range []string{"cpu", "memory"} {
		path := filepath.Join("/sys/fs/cgroup", sub)
		if info, err := os.Stat(path); err != nil || !info.IsDir() {
			return fmt.Errorf("%w: cgroup mount %q missing", ErrReadinessFailed, path)
		}
	}
	return nil
}

func checkCgroupRulesConf(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %q: %v", ErrReadinessFailed, path, err)
	}
	if !cgroupRuleRe.MatchString(string(data)) {
		return fmt.Errorf("%w: %q missing required sashiuser cgroup rule", ErrReadinessFailed, path)
	}
	return nil
}

func checkNoPendingReboot(marketGlob, packageTag string) error {
	matches, err := filepath.Glob(marketGlob)
	if err != nil {
		return fmt.Errorf("%w: glob %q: %v", ErrReadinessFailed, marketGlob, err)
	}
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		if strings.Contains(string(data), packageTag) {
			return fmt.Errorf("%w: pending reboot marker %q lists package %q", ErrReadinessFailed, m, packageTag)
		}
	}
	return nil
}
