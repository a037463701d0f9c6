package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk form of a snapshot.
type Document struct {
	Packages map[string]Record `yaml:"packages" json:"packages"`
	Popular  []string          `yaml:"popular" json:"popular"`
}

// LoadFile reads a snapshot from YAML or JSON, or from a SQLite database
// when the extension is .db or .sqlite.
func LoadFile(path string) (*MemorySnapshot, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return LoadSQLite(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var doc Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &doc)
	default:
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}

	return NewSnapshot(doc.Packages, doc.Popular).WithSource(path), nil
}

// WriteFile stores the snapshot as YAML, JSON or SQLite depending on the
// extension.
func WriteFile(path string, s *MemorySnapshot) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return SaveSQLite(path, s)
	}

	doc := Document{Packages: s.records, Popular: s.popular}

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(doc, "", "  ")
	} else {
		data, err = yaml.Marshal(doc)
	}
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
