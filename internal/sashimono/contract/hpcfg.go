package contract

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gadget78/sashimono/internal/sashimono/keys"
)

// contractRunAs is the fixed contract uid:gid every instance's contract
// process runs as (spec.md §4.5 step 3).
const contractRunAs = "10000:0"

const contractBinPath = "bootstrap_contract"

// BaseParams carries the identity and networking values written into every
// freshly materialized hp.cfg, independent of the create.config overlay.
type BaseParams struct {
	OwnerPubkey string
	ContractID  string
	PeerPort    uint16
	UserPort    uint16
}

// loadHPCfg loads hp.cfg into a generic map so that fields the overlay and base
// params don't touch are carried through unmodified, the same way the
// original agent edits the config file in place rather than re-deriving it
// from a fixed struct.
func loadHPCfg(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("contract: read hp.cfg: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("contract: parse hp.cfg: %w", err)
	}
	return doc, nil
}

func saveHPCfg(path string, doc map[string]interface{}) error {
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("contract: marshal hp.cfg: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("contract: write hp.cfg: %w", err)
	}
	return nil
}

// applyBase sets the fields every instance needs regardless of overlay
// content (spec.md §4.5 step 3).
func applyBase(doc map[string]interface{}, kp keys.Keypair, p BaseParams) {
	setPath(doc, kp.PublicKeyHex, "node", "public_key")
	setPath(doc, kp.PrivateKeyHex, "node", "private_key")
	setPath(doc, p.ContractID, "contract", "id")
	setPath(doc, contractRunAs, "contract", "run_as")
	setPath(doc, []interface{}{kp.PublicKeyHex}, "contract", "unl")
	setPath(doc, contractBinPath, "contract", "bin_path")
	setPath(doc, p.OwnerPubkey, "contract", "bin_args")
	setPath(doc, int(p.PeerPort), "mesh", "port")
	setPath(doc, int(p.UserPort), "user", "port")
	setPath(doc, true, "hpfs", "external")
}

// applyOverlay deep-merges the parsed create.config overlay on top of doc.
// Overlay keys take precedence; keys the overlay omits are left as the
// template set them.
func applyOverlay(doc map[string]interface{}, overlay map[string]interface{}) {
	mergeInto(doc, overlay)
}

func mergeInto(dst, src map[string]interface{}) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]interface{}); ok {
			if dstMap, ok := dst[k].(map[string]interface{}); ok {
				mergeInto(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
}

// DeriveHpfsLogLevel reads hpfs.log.log_level out of a loaded hp.cfg
// document, defaulting to "inf" when absent (spec.md §4.6 initiate_instance:
// "derive hpfs_log_level ... from config").
func DeriveHpfsLogLevel(doc map[string]interface{}) string {
	if hpfs, ok := doc["hpfs"].(map[string]interface{}); ok {
		if log, ok := hpfs["log"].(map[string]interface{}); ok {
			if lvl, ok := log["log_level"].(string); ok && lvl != "" {
				return lvl
			}
		}
	}
	return "inf"
}

// DeriveIsFullHistory reports whether node.history resolves to "full"
// (spec.md §4.6 initiate_instance: "derive ... is_full_history").
func DeriveIsFullHistory(doc map[string]interface{}) bool {
	if node, ok := doc["node"].(map[string]interface{}); ok {
		if history, ok := node["history"].(string); ok {
			return history == "full"
		}
	}
	return true
}

// setPath assigns value at the nested key path within doc, creating
// intermediate objects as needed.
func setPath(doc map[string]interface{}, value interface{}, path ...string) {
	cur := doc
	for i, key := range path {
		if i == len(path)-1 {
			cur[key] = value
			return
		}
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[key] = next
		}
		cur = next
	}
}
