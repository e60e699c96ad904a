package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadDocument parses a YAML policy document from path and validates it by
// constructing a Resolver. It returns the parsed Document and the Resolver
// together so callers that need to introspect raw configuration can do so
// without re-parsing.
func LoadDocument(path string) (*Document, *Resolver, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	resolver, err := NewResolver(&doc)
	if err != nil {
		return nil, nil, err
	}
	return &doc, resolver, nil
}
