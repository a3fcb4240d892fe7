package keys_test

import (
	"testing"

	"github.com/gadget78/sashimono/internal/sashimono/keys"
)

func TestGenerateProducesPrefixedHexPubkey(t *testing.T) {
	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(kp.PublicKeyHex) != 66 {
		t.Errorf("PublicKeyHex length = %d, want 66", len(kp.PublicKeyHex))
	}
	if kp.PublicKeyHex[:2] != "ed" {
		t.Errorf("PublicKeyHex = %q, want ed-prefixed", kp.PublicKeyHex)
	}
	if kp.PrivateKeyHex == "" {
		t.Error("PrivateKeyHex is empty")
	}
}

func TestGenerateProducesDistinctKeys(t *testing.T) {
	a, err := keys.Generate()
	if err != nil {
		t.Fatalf("Generate(1): %v", err)
	}
	b, err := keys.Generate()
	if err != nil {
		t.Fatalf("Generate(2): %v", err)
	}

	if a.PublicKeyHex == b.PublicKeyHex {
		t.Error("two successive Generate() calls produced the same public key")
	}
}
