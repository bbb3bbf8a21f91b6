// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config is the file form of a model registry:
//
//	models:
//	  - table: orders
//	    relations:
//	      items: { target: order_items }
//	      outgoing: { target: transfers, foreign_key: [from_id] }
//	schemas:
//	  order_items:
//	    type: object
//	    required: [sku]
//	    properties:
//	      qty: { type: integer, minimum: 1 }
type Config struct {
	Models  []ModelConfig             `yaml:"models"`
	Schemas map[string]map[string]any `yaml:"schemas"` // table -> JSON Schema document
}

type ModelConfig struct {
	Table     string                    `yaml:"table"`
	Relations map[string]RelationConfig `yaml:"relations"`
}

type RelationConfig struct {
	Target     string   `yaml:"target"`
	ForeignKey []string `yaml:"foreign_key"` // optional, child columns pointing at the parent
}

// LoadConfig decodes a YAML model registry.
func LoadConfig(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode relation config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFile reads a YAML model registry from path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open relation config: %w", err)
	}
	defer f.Close()
	return LoadConfig(f)
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Table == "" {
			return configErrorf("models[%d]: table is required", i)
		}
		if seen[m.Table] {
			return configErrorf("models[%d]: duplicate table %s", i, m.Table)
		}
		seen[m.Table] = true
		for name, rel := range m.Relations {
			if rel.Target == "" {
				return configErrorf("model %s: relation %q has no target", m.Table, name)
			}
		}
	}
	return nil
}

// BuildModels converts the configured models, sorted by table.
func (c *Config) BuildModels() []Model {
	models := make([]Model, 0, len(c.Models))
	for _, mc := range c.Models {
		names := make([]string, 0, len(mc.Relations))
		for name := range mc.Relations {
			names = append(names, name)
		}
		sort.Strings(names)

		rels := make([]Relation, 0, len(names))
		for _, name := range names {
			rc := mc.Relations[name]
			rels = append(rels, Relation{Name: name, Target: rc.Target, ForeignKey: rc.ForeignKey})
		}
		models = append(models, NewModel(mc.Table, rels...))
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Table < models[j].Table })
	return models
}

// Model returns the configured model for table.
func (c *Config) Model(table string) (Model, bool) {
	for _, m := range c.BuildModels() {
		if SameTable(m.Table, table) {
			return m, true
		}
	}
	return Model{}, false
}

// Validator returns the schema validator chained with the configured JSON Schemas.
func (c *Config) Validator() (Validator, error) {
	if len(c.Schemas) == 0 {
		return SchemaValidator{}, nil
	}
	js, err := NewJSONSchemaValidator(c.Schemas)
	if err != nil {
		return nil, err
	}
	return ChainValidator{SchemaValidator{}, js}, nil
}
