// Package cases loads audit fixtures from YAML or JSON files.
//
// A file holds one case, a list of cases, or a mapping with a cases key.
// Directories are read recursively in lexical order.
package cases

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"failkit/internal/config"
	"failkit/internal/domain"
)

var extensions = map[string]bool{".yml": true, ".yaml": true, ".json": true}

// Load reads every case under the given files or directories. Any parse
// error or duplicate id is returned as a config error.
func Load(paths ...string) ([]domain.TestCase, error) {
	if len(paths) == 0 {
		return nil, config.Wrap("cases", errors.New("no case files given"))
	}
	var files []string
	for _, p := range paths {
		found, err := collect(p)
		if err != nil {
			return nil, config.Wrap("cases", err)
		}
		files = append(files, found...)
	}
	var out []domain.TestCase
	seen := map[string]string{}
	for _, f := range files {
		loaded, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		for _, tc := range loaded {
			if prev, ok := seen[tc.ID]; ok {
				return nil, config.Wrap("cases", fmt.Errorf("duplicate case id %q in %s (first defined in %s)", tc.ID, f, prev))
			}
			seen[tc.ID] = f
			out = append(out, tc)
		}
	}
	return out, nil
}

func collect(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p != path && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !extensions[strings.ToLower(filepath.Ext(name))] {
			return nil
		}
		files = append(files, p)
		return nil
	})
	sort.Strings(files)
	return files, err
}

// LoadFile reads the cases stored in one file.
func LoadFile(path string) ([]domain.TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, config.Wrap("cases", err)
	}
	out, err := Parse(data)
	if err != nil {
		return nil, config.Wrap("cases", fmt.Errorf("%s: %w", path, err))
	}
	return out, nil
}

// Parse decodes case documents. Multi-document YAML streams are allowed.
func Parse(data []byte) ([]domain.TestCase, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []domain.TestCase
	for {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		docs, err := decodeDocument(&node)
		if err != nil {
			return nil, err
		}
		out = append(out, docs...)
	}
	for i, tc := range out {
		if strings.TrimSpace(tc.ID) == "" {
			return nil, fmt.Errorf("case #%d: id is required", i+1)
		}
	}
	return out, nil
}

func decodeDocument(node *yaml.Node) ([]domain.TestCase, error) {
	root := node
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil, nil
		}
		root = root.Content[0]
	}
	switch root.Kind {
	case yaml.SequenceNode:
		var list []domain.TestCase
		if err := decodeStrict(root, &list); err != nil {
			return nil, err
		}
		return list, nil
	case yaml.MappingNode:
		if list := mappingValue(root, "cases"); list != nil {
			var wrapped struct {
				Cases []domain.TestCase `yaml:"cases"`
			}
			if err := decodeStrict(root, &wrapped); err != nil {
				return nil, err
			}
			return wrapped.Cases, nil
		}
		var tc domain.TestCase
		if err := decodeStrict(root, &tc); err != nil {
			return nil, err
		}
		return []domain.TestCase{tc}, nil
	case yaml.ScalarNode:
		if root.Tag == "!!null" {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("line %d: expected a case, a list of cases or a cases key", root.Line)
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// decodeStrict re-encodes node so unknown fields are rejected.
func decodeStrict(node *yaml.Node, out any) error {
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(out)
}
