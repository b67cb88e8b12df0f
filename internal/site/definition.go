package site

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed definitions/default.yaml
var defaultDefinitions []byte

// Definition describes one site: which fetcher family talks to it and how.
type Definition struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Family      string            `yaml:"family"`
	Description string            `yaml:"description"`
	Links       []string          `yaml:"links"`
	Endpoint    string            `yaml:"endpoint"`
	Params      map[string]string `yaml:"params"`
	Headers     map[string]string `yaml:"headers"`
}

// BaseURL returns the first configured link without a trailing slash.
func (d Definition) BaseURL() string {
	if len(d.Links) == 0 {
		return ""
	}
	return strings.TrimRight(d.Links[0], "/")
}

// ResolveEndpoint joins the endpoint with the base URL unless it is absolute.
func (d Definition) ResolveEndpoint() string {
	if strings.HasPrefix(d.Endpoint, "http://") || strings.HasPrefix(d.Endpoint, "https://") {
		return d.Endpoint
	}
	return d.BaseURL() + "/" + strings.TrimLeft(d.Endpoint, "/")
}

type definitionFile struct {
	Sites []Definition `yaml:"sites"`
}

// ParseDefinitions decodes a YAML document with a top-level "sites" list.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var f definitionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse site definitions: %w", err)
	}

	seen := make(map[string]bool, len(f.Sites))
	for i, d := range f.Sites {
		if d.ID == "" {
			return nil, fmt.Errorf("site definition %d has no id", i)
		}
		if d.Family == "" {
			return nil, fmt.Errorf("site definition %q has no family", d.ID)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("duplicate site definition %q", d.ID)
		}
		seen[d.ID] = true
	}
	return f.Sites, nil
}

// LoadDefinitions reads definitions from path, or the built-in set when path
// is empty.
func LoadDefinitions(path string) ([]Definition, error) {
	if path == "" {
		return ParseDefinitions(defaultDefinitions)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read site definitions: %w", err)
	}
	return ParseDefinitions(data)
}
