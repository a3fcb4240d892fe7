// Package contract materializes a contract directory from the template tree
// plus a per-instance hp.cfg rewrite (spec.md §4.5).
package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gadget78/sashimono/internal/sashimono/hostadapter"
	"github.com/gadget78/sashimono/internal/sashimono/keys"
)

// ErrInvalidOverlay wraps a create.config overlay that fails ValidateOverlay
// (schema or cross-field check), so callers can distinguish it from other
// Materialize failures and map it to the container_conf_error wire tag
// (spec.md §4.5) instead of a generic instance error.
var ErrInvalidOverlay = errors.New("contract: invalid create.config overlay")

// Result is what Materialize returns on success: the generated keypair (the
// caller needs the public key for the catalog row and the create_res
// payload) and the final contract directory path.
type Result struct {
	Keypair     keys.Keypair
	ContractDir string
}

// Materialize copies templatePath into a freshly created temp directory,
// rewrites <tmp>/cfg/hp.cfg with the instance's identity and port
// assignment plus any create.config overlay, then atomically moves the tmp
// directory onto contractDir and chowns/chmods it for username (spec.md
// §4.5 steps 1-5).
//
// Any failure before the move leaves no state under contractDir; the
// temporary directory is removed on every error path.
func Materialize(templatePath, contractDir, username string, base BaseParams, overlayRaw []byte) (*Result, error) {
	if err := ValidateOverlay(overlayRaw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOverlay, err)
	}

	tmpDir, err := os.MkdirTemp("", "sashimono-contract-*")
	if err != nil {
		return nil, fmt.Errorf("contract: mkdtemp: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(tmpDir)
		}
	}()

	if err := hostadapter.CopyTree(templatePath, tmpDir); err != nil {
		return nil, fmt.Errorf("contract: copy template: %w", err)
	}

	cfgPath := filepath.Join(tmpDir, "cfg", "hp.cfg")
	doc, err := loadHPCfg(cfgPath)
	if err != nil {
		return nil, err
	}

	kp, err := keys.Generate()
	if err != nil {
		return nil, fmt.Errorf("contract: generate keypair: %w", err)
	}

	applyBase(doc, kp, base)

	if len(overlayRaw) > 0 {
		var overlay map[string]interface{}
		if err := json.Unmarshal(overlayRaw, &overlay); err != nil {
			return nil, fmt.Errorf("contract: parse overlay: %w", err)
		}
		applyOverlay(doc, overlay)
	}

	if err := saveHPCfg(cfgPath, doc); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(contractDir), 0755); err != nil {
		return nil, fmt.Errorf("contract: create parent of contract dir: %w", err)
	}
	if err := hostadapter.Move(tmpDir, contractDir); err != nil {
		return nil, fmt.Errorf("contract: move into place: %w", err)
	}
	cleanup = false

	if err := hostadapter.ChownR(username, contractDir); err != nil {
		return nil, fmt.Errorf("contract: chown: %w", err)
	}
	if err := hostadapter.ChmodR(0775, contractDir); err != nil {
		return nil, fmt.Errorf("contract: chmod: %w", err)
	}

	return &Result{Keypair: kp, ContractDir: contractDir}, nil
}

// LoadHPCfg re-opens a materialized contract's hp.cfg, used by
// initiate_instance / start_container to re-derive hpfs settings without
// re-materializing the tree (spec.md §4.6).
func LoadHPCfg(contractDir string) (map[string]interface{}, error) {
	return loadHPCfg(filepath.Join(contractDir, "cfg", "hp.cfg"))
}
