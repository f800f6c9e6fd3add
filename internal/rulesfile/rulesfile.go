// Package rulesfile loads rule sets from TOML, YAML or JSON files. All three
// formats use the wire field names (minPay, maxDistance, ...) and share the
// wire defaults for absent fields.
package rulesfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ashureev/dasher-automate/internal/domain"
)

// Format is a supported file encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported rules file extension %q", filepath.Ext(path))
	}
}

// Load reads and validates the rule set at path.
func Load(path string) (domain.RuleSet, error) {
	format, err := FormatOf(path)
	if err != nil {
		return domain.RuleSet{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.RuleSet{}, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data, format)
}

// Parse decodes and validates a rule set.
func Parse(data []byte, format Format) (domain.RuleSet, error) {
	raw := map[string]any{}
	var err error
	switch format {
	case FormatTOML:
		err = toml.Unmarshal(data, &raw)
	case FormatYAML:
		err = yaml.Unmarshal(data, &raw)
	case FormatJSON:
		err = json.Unmarshal(data, &raw)
	default:
		return domain.RuleSet{}, fmt.Errorf("unsupported rules format %q", format)
	}
	if err != nil {
		return domain.RuleSet{}, fmt.Errorf("decode %s rules: %w", format, err)
	}

	// Route every format through the wire decoder so defaults and number
	// handling stay identical.
	normalized, err := json.Marshal(raw)
	if err != nil {
		return domain.RuleSet{}, fmt.Errorf("normalize %s rules: %w", format, err)
	}
	var rules domain.RuleSet
	if err := json.Unmarshal(normalized, &rules); err != nil {
		return domain.RuleSet{}, err
	}
	if err := rules.Validate(); err != nil {
		return domain.RuleSet{}, err
	}
	return rules, nil
}
