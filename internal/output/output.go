// Package output renders CLI views of the host: the route table and the
// effective configuration.
package output

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatYAML), "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// Route is one row of the route listing.
type Route struct {
	Kind     string   `json:"kind" yaml:"kind"`
	Path     string   `json:"path" yaml:"path"`
	Module   string   `json:"module,omitempty" yaml:"module,omitempty"`
	Policies []string `json:"policies,omitempty" yaml:"policies,omitempty"`
}

// Route kinds.
const (
	KindHost    = "host"
	KindMount   = "mount"
	KindUpgrade = "upgrade"
)

// FormatRoutes renders routes in the requested format.
func FormatRoutes(format Format, routes []Route) (string, error) {
	switch format {
	case FormatJSON:
		return marshalJSON(routes)
	case FormatYAML:
		return marshalYAML(routes)
	default:
		return (&TableFormatter{}).FormatRoutes(routes), nil
	}
}

// FormatValue renders an arbitrary value as JSON or YAML. Tables are not
// supported for free-form values and fall back to YAML.
func FormatValue(format Format, v any) (string, error) {
	if format == FormatJSON {
		return marshalJSON(v)
	}
	return marshalYAML(v)
}

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalYAML(v any) (string, error) {
	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return b.String(), nil
}
