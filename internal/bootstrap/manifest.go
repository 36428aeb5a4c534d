// Package bootstrap loads the startup manifest: the initialize items a deployment ships and
// the workflow categories it configures.
package bootstrap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/onehippo/hippo-repository/internal/initialize"
	"github.com/onehippo/hippo-repository/internal/workflow"
)

var (
	errEmptyItemName       = errors.New("bootstrap: initialize item name is required")
	errDuplicateItem       = errors.New("bootstrap: duplicate initialize item")
	errMissingDefinition   = errors.New("bootstrap: initialize item needs nodetypes or nodetypesresource")
	errAmbiguousDefinition = errors.New("bootstrap: initialize item sets both nodetypes and nodetypesresource")
	errInvalidEntry        = errors.New("bootstrap: workflow entry needs name, nodetype and classname")
)

// Manifest is the root of a bootstrap file.
type Manifest struct {
	Initialize []ItemSpec                  `yaml:"initialize"`
	Workflows  map[string][]workflow.Entry `yaml:"workflows"`
}

// ItemSpec describes one initialize item.
type ItemSpec struct {
	Name              string   `yaml:"name"`
	Namespace         string   `yaml:"namespace"`
	NodeTypes         string   `yaml:"nodetypes"`
	NodeTypesResource string   `yaml:"nodetypesresource"`
	Sequence          float64  `yaml:"sequence"`
	Conversions       []string `yaml:"conversion"`
}

// Item converts the manifest entry to an initialize item.
func (s ItemSpec) Item() initialize.Item {
	return initialize.Item{
		Name:              s.Name,
		Namespace:         s.Namespace,
		NodeTypes:         s.NodeTypes,
		NodeTypesResource: s.NodeTypesResource,
		Sequence:          s.Sequence,
		Conversions:       append([]string(nil), s.Conversions...),
	}
}

// Load reads and validates the manifest at path.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading bootstrap manifest %s: %w", path, err)
	}
	manifest, err := Parse(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("parsing bootstrap manifest %s: %w", path, err)
	}
	return manifest, nil
}

// Parse decodes a manifest, rejecting unknown keys.
func Parse(data []byte) (Manifest, error) {
	var manifest Manifest
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&manifest); err != nil && !errors.Is(err, io.EOF) {
		return Manifest{}, err
	}
	if err := manifest.Validate(); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// Validate checks item and entry completeness.
func (m Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Initialize))
	for _, item := range m.Initialize {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			return errEmptyItemName
		}
		if _, duplicate := seen[name]; duplicate {
			return fmt.Errorf("%w: %s", errDuplicateItem, name)
		}
		seen[name] = struct{}{}
		switch {
		case item.NodeTypes == "" && item.NodeTypesResource == "":
			return fmt.Errorf("%w: %s", errMissingDefinition, name)
		case item.NodeTypes != "" && item.NodeTypesResource != "":
			return fmt.Errorf("%w: %s", errAmbiguousDefinition, name)
		}
		if _, err := initialize.ParseConversions(item.Conversions); err != nil {
			return fmt.Errorf("item %s: %w", name, err)
		}
	}
	for category, entries := range m.Workflows {
		for _, entry := range entries {
			if entry.Name == "" || entry.NodeType == "" || entry.ClassName == "" {
				return fmt.Errorf("%w: category %s", errInvalidEntry, category)
			}
		}
	}
	return nil
}

// Categories returns the workflow category names in a stable order.
func (m Manifest) Categories() []string {
	names := make([]string, 0, len(m.Workflows))
	for name := range m.Workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
