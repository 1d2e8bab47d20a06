package config

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/codeagent/pkg/errors"
)

// parseOverride splits key=value. The value is decoded as YAML so numbers,
// booleans, lists and maps keep their types; anything else stays a string.
func parseOverride(kv string) (string, any, error) {
	key, raw, ok := strings.Cut(kv, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, errors.Newf(errors.CodeInvalidInput, "override %q must be key=value", kv)
	}
	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
		return key, raw, nil
	}
	return key, value, nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "encode config", err)
	}
	return out, nil
}
