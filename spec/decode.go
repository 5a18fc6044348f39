package spec

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DecodeStack unmarshals a stack descriptor from YAML. It walks the document
// nodes directly so that service declaration order is preserved (the resolver
// uses it for deterministic tie-breaking) and duplicate service names are
// rejected instead of silently last-one-wins.
func DecodeStack(data []byte) (*Stack, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("stack file is empty")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("stack file must be a mapping, got %s", nodeKind(root))
	}

	st := &Stack{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		switch key.Value {
		case "name":
			st.Name = value.Value
		case "services":
			services, err := decodeServices(value)
			if err != nil {
				return nil, err
			}
			st.Services = services
		}
	}
	return st, nil
}

// decodeServices walks the services mapping node pairwise, keeping
// declaration order and catching duplicate keys that a plain map
// unmarshal would swallow.
func decodeServices(node *yaml.Node) ([]Service, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("services must be a mapping, got %s", nodeKind(node))
	}

	seen := make(map[string]bool, len(node.Content)/2)
	services := make([]Service, 0, len(node.Content)/2)

	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		if seen[name] {
			return nil, fmt.Errorf("duplicate service %q (line %d)", name, node.Content[i].Line)
		}
		seen[name] = true

		var svc Service
		if err := node.Content[i+1].Decode(&svc); err != nil {
			return nil, fmt.Errorf("service %q: %w", name, err)
		}
		svc.Name = name
		services = append(services, svc)
	}
	return services, nil
}

// LoadStack reads and decodes a stack file. If the file declares no name,
// the file name stem is used (e.g. "dev-stack.yaml" → "dev-stack").
func LoadStack(path string) (*Stack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	st, err := DecodeStack(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if st.Name == "" {
		base := filepath.Base(path)
		st.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return st, nil
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}
