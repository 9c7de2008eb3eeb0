package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// loadFallbackFile reads the YAML map of reference to value used when Secret Manager
// cannot be reached, typically on a developer machine:
//
//	secret://payments/mercadopago-client-secret: TEST-123
//	"secret://payments/stripe-api-key?version=3": sk_test_abc
//
// A key without ?version= answers every version. A missing file yields an empty set.
func loadFallbackFile(path string) (map[string]string, error) {
	values := map[string]string{}
	if strings.TrimSpace(path) == "" {
		return values, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: read fallback file: %w", err)
	}
	return parseFallback(raw)
}

func parseFallback(raw []byte) (map[string]string, error) {
	var doc map[string]string
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("secrets: decode fallback file: %w", err)
	}
	values := make(map[string]string, len(doc))
	for key, value := range doc {
		ref, err := ParseReference(key)
		if err != nil {
			return nil, fmt.Errorf("secrets: fallback key %q: %w", key, err)
		}
		values[fallbackKey(ref.Canonical(), ref.Version)] = strings.TrimSpace(value)
	}
	return values, nil
}

func fallbackKey(canonical, version string) string {
	if version == "" {
		return canonical
	}
	return canonical + "#" + version
}
