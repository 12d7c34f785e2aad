package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseAliases reads a USN to alias table. value is either
// "usn=alias,usn=alias" or "@path" naming a YAML mapping file.
func ParseAliases(value string) (map[string]string, error) {
	value = strings.TrimSpace(value)
	out := map[string]string{}
	if value == "" {
		return out, nil
	}
	if path, ok := strings.CutPrefix(value, "@"); ok {
		return LoadAliasFile(path)
	}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		// USNs contain colons, so the alias is after the last '='.
		i := strings.LastIndex(pair, "=")
		if i <= 0 || i == len(pair)-1 {
			return nil, fmt.Errorf("invalid alias %q, want usn=alias", pair)
		}
		out[StripUSN(pair[:i])] = strings.TrimSpace(pair[i+1:])
	}
	return out, nil
}

// LoadAliasFile reads a YAML mapping of USN to alias.
func LoadAliasFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read aliases: %w", err)
	}
	raw := map[string]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse aliases %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for usn, alias := range raw {
		out[StripUSN(usn)] = strings.TrimSpace(alias)
	}
	return out, nil
}
