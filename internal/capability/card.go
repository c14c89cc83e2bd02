package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ToolCard is the registry metadata for one tool.
type ToolCard struct {
	Name          string         `json:"name" yaml:"name"`
	Version       string         `json:"version" yaml:"version"`
	Description   string         `json:"description" yaml:"description"`
	ArgSchemaHint string         `json:"arg_schema_hint" yaml:"arg_schema_hint"`
	InputSchema   map[string]any `json:"input_schema,omitempty" yaml:"input_schema"`
	SideEffects   []string       `json:"side_effects,omitempty" yaml:"side_effects"`
	Checksum      string         `json:"checksum,omitempty" yaml:"checksum"`
	Signature     string         `json:"signature,omitempty" yaml:"signature"`
}

// ComputeChecksum returns a deterministic hash of the card payload, excluding
// checksum and signature.
func ComputeChecksum(tc ToolCard) (string, error) {
	payload := map[string]any{
		"name":            tc.Name,
		"version":         tc.Version,
		"description":     tc.Description,
		"arg_schema_hint": tc.ArgSchemaHint,
		"input_schema":    tc.InputSchema,
		"side_effects":    tc.SideEffects,
	}
	normalized, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// SignToolCard computes an HMAC signature over the card checksum.
func SignToolCard(tc ToolCard, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("signing secret is empty")
	}
	checksum, err := ComputeChecksum(tc)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(checksum))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyToolCard checks the recorded checksum and, when secret is set, the signature.
func VerifyToolCard(tc ToolCard, secret string) error {
	if tc.Checksum != "" {
		sum, err := ComputeChecksum(tc)
		if err != nil {
			return err
		}
		if sum != tc.Checksum {
			return fmt.Errorf("checksum mismatch")
		}
	}
	if secret == "" {
		return nil
	}
	expected, err := SignToolCard(tc, secret)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(tc.Signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func versionGreater(a, b string) bool {
	if a == b {
		return false
	}
	return compareVersions(splitVersion(a), splitVersion(b)) > 0
}

func splitVersion(v string) []int {
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		fmt.Sscanf(p, "%d", &out[i])
	}
	return out
}

func compareVersions(a, b []int) int {
	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		ai, bi := 0, 0
		if i < len(a) {
			ai = a[i]
		}
		if i < len(b) {
			bi = b[i]
		}
		if ai != bi {
			if ai > bi {
				return 1
			}
			return -1
		}
	}
	return 0
}
