package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/satops/model"
)

// Document is the on-disk catalog format.
type Document struct {
	Satellites     []model.Satellite     `json:"satellites" yaml:"satellites"`
	GroundStations []model.GroundStation `json:"groundStations" yaml:"groundStations"`
}

// Load decodes a catalog document and registers every entry. Unknown fields
// are rejected so typos surface at startup.
func Load(r io.Reader) (*Catalog, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return fromDocument(doc)
}

// LoadYAML is Load for YAML documents, with the same keys.
func LoadYAML(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return fromDocument(doc)
}

func fromDocument(doc Document) (*Catalog, error) {
	c := New()
	for i, s := range doc.Satellites {
		if err := c.AddSatellite(s); err != nil {
			return nil, fmt.Errorf("satellites[%d]: %w", i, err)
		}
	}
	for i, gs := range doc.GroundStations {
		if err := c.AddGroundStation(gs); err != nil {
			return nil, fmt.Errorf("groundStations[%d]: %w", i, err)
		}
	}
	return c, nil
}

// LoadFile reads a catalog from path. Files ending in .yaml or .yml are
// decoded as YAML, anything else as JSON.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(f)
	}
	return Load(f)
}
