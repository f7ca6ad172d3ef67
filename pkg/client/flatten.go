package client

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// mergeNodes merges src into dst. Two mappings merge recursively with
// src winning on conflicts; any other combination replaces dst
// entirely.
func mergeNodes(dst, src *yaml.Node) *yaml.Node {
	if dst == nil {
		return src
	}
	if src == nil {
		return dst
	}
	if dst.Kind != yaml.MappingNode || src.Kind != yaml.MappingNode {
		return src
	}
	for i := 0; i+1 < len(src.Content); i += 2 {
		key := src.Content[i]
		val := src.Content[i+1]
		found := false
		for j := 0; j+1 < len(dst.Content); j += 2 {
			if dst.Content[j].Value == key.Value {
				dst.Content[j+1] = mergeNodes(dst.Content[j+1], val)
				found = true
				break
			}
		}
		if !found {
			dst.Content = append(dst.Content, key, val)
		}
	}
	return dst
}

// flattenNode walks a mapping tree and collects leaves into out with
// dot-joined keys. Scalars and sequences are leaves; only mappings
// recurse. Non-string mapping keys use their scalar text when numeric
// and "unknown" otherwise.
func flattenNode(prefix string, node *yaml.Node, out map[string]any) {
	if node == nil {
		return
	}
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		flattenNode(prefix, node.Content[0], out)
		return
	}
	if node.Kind != yaml.MappingNode {
		var v any
		if err := node.Decode(&v); err == nil {
			out[prefix] = v
		}
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := keyText(node.Content[i])
		child := node.Content[i+1]
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		flattenNode(full, child, out)
	}
}

func keyText(node *yaml.Node) string {
	if node.Kind != yaml.ScalarNode {
		return "unknown"
	}
	switch node.Tag {
	case "!!str", "!!int", "!!float":
		return node.Value
	default:
		if node.Tag == "" && node.Value != "" {
			return node.Value
		}
		return "unknown"
	}
}

// parseDocument parses one YAML config body into its root node.
func parseDocument(content string) (*yaml.Node, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(content), &node); err != nil {
		return nil, err
	}
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		return node.Content[0], nil
	}
	return &node, nil
}
