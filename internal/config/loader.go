package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey names other files whose trees are merged in beneath the
// including file. Paths are resolved relative to the including file.
const includeKey = "$include"

// LoadRaw reads the file at path into an untyped tree. Environment
// references are expanded before parsing, $include files are merged in
// depth-first, and keys in the including file win over included ones.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	return readTree(path, nil)
}

// readTree loads one file and its includes. chain holds the absolute paths
// currently being loaded, so a file including one of its ancestors is
// reported with the full path back to itself.
func readTree(path string, chain []string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, ancestor := range chain {
		if ancestor == abs {
			return nil, fmt.Errorf("config include cycle: %s", strings.Join(append(chain, abs), " -> "))
		}
	}
	chain = append(chain, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	tree, err := decodeTree([]byte(os.ExpandEnv(string(data))), abs)
	if err != nil {
		return nil, err
	}

	includes, err := takeIncludes(tree)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := readTree(inc, chain)
		if err != nil {
			return nil, err
		}
		merged = overlay(merged, sub)
	}
	return overlay(merged, tree), nil
}

// decodeTree parses by extension: .json and .json5 through the json5
// decoder, everything else as a single YAML document.
func decodeTree(data []byte, path string) (map[string]any, error) {
	var tree map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&tree); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("parse %s: multiple yaml documents", path)
		}
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

// takeIncludes removes the $include entry from the tree and returns its
// paths. The entry may be a single path or a list.
func takeIncludes(tree map[string]any) ([]string, error) {
	value, ok := tree[includeKey]
	if !ok {
		return nil, nil
	}
	delete(tree, includeKey)

	switch typed := value.(type) {
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			path, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings, got %T", includeKey, entry)
			}
			paths = append(paths, path)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("%s must be a path or list of paths, got %T", includeKey, value)
	}
}

// overlay merges src over dst. Nested maps merge key by key; everything
// else in src replaces the dst value.
func overlay(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		srcMap, ok := value.(map[string]any)
		if !ok {
			dst[key] = value
			continue
		}
		if dstMap, ok := dst[key].(map[string]any); ok {
			dst[key] = overlay(dstMap, srcMap)
		} else {
			dst[key] = srcMap
		}
	}
	return dst
}

// decodeStrict maps the merged tree onto Config, rejecting keys the schema
// does not name.
func decodeStrict(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
