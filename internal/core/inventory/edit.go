package inventory

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Inventory Editing
//
// Edits operate on the yaml.Node tree instead of the decoded structs so a
// rewrite preserves key order and comments in the file.
// =============================================================================

// SetHostVar sets (or replaces) a var on a host inside the raw document and
// returns the re-encoded YAML.
func SetHostVar(data []byte, host, key, value string) ([]byte, error) {
	root, err := parseNode(data)
	if err != nil {
		return nil, err
	}

	hostNode := mappingValue(mappingValue(docMapping(root), "hosts"), host)
	if hostNode == nil {
		return nil, fmt.Errorf("%q: %w", host, ErrHostNotFound)
	}

	vars := mappingValue(hostNode, "vars")
	if vars == nil {
		vars = &yaml.Node{Kind: yaml.MappingNode}
		appendMapping(hostNode, "vars", vars)
	}
	setMapping(vars, key, value)

	return encodeNode(root)
}

// AddHost appends a new host entry with the given address. The host must not
// already exist.
func AddHost(data []byte, name, addr string) ([]byte, error) {
	if err := ValidateHostName(name); err != nil {
		return nil, err
	}
	if err := ValidateAddr(addr); err != nil {
		return nil, err
	}

	root, err := parseNode(data)
	if err != nil {
		return nil, err
	}

	doc := docMapping(root)
	hosts := mappingValue(doc, "hosts")
	if hosts == nil {
		hosts = &yaml.Node{Kind: yaml.MappingNode}
		appendMapping(doc, "hosts", hosts)
	}
	if mappingValue(hosts, name) != nil {
		return nil, fmt.Errorf("%q: %w", name, ErrHostExists)
	}

	entry := &yaml.Node{Kind: yaml.MappingNode}
	appendMapping(entry, "addr", &yaml.Node{Kind: yaml.ScalarNode, Value: addr})
	appendMapping(hosts, name, entry)

	return encodeNode(root)
}

// WriteFile atomically replaces the inventory file: write to a temp sibling,
// then rename over the original.
func WriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write inventory: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace inventory: %w", err)
	}
	return nil
}

// =============================================================================
// yaml.Node helpers
// =============================================================================

func parseNode(data []byte) (*yaml.Node, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("parse inventory: empty document")
	}
	return &root, nil
}

func encodeNode(root *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root.Content[0]); err != nil {
		return nil, fmt.Errorf("encode inventory: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode inventory: %w", err)
	}
	return buf.Bytes(), nil
}

func docMapping(root *yaml.Node) *yaml.Node {
	return root.Content[0]
}

// mappingValue returns the value node for key inside a mapping node, or nil.
func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func appendMapping(m *yaml.Node, key string, value *yaml.Node) {
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: key},
		value,
	)
}

func setMapping(m *yaml.Node, key, value string) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = &yaml.Node{Kind: yaml.ScalarNode, Value: value}
			return
		}
	}
	appendMapping(m, key, &yaml.Node{Kind: yaml.ScalarNode, Value: value})
}
