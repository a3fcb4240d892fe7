package hpfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUnitName(t *testing.T) {
	if got := unitName("sashi001"); got != "hpfs@sashi001.service" {
		t.Errorf("unitName() = %q, want %q", got, "hpfs@sashi001.service")
	}
}

func TestWriteFileCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "sashi001.env")
	if err := writeFile(path, "HPFS_LOG_LEVEL=inf\n"); err != nil {
		t.Fatalf("writeFile: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if string(got) != "HPFS_LOG_LEVEL=inf\n" {
		t.Errorf("content = %q, want %q", got, "HPFS_LOG_LEVEL=inf\n")
	}
}
