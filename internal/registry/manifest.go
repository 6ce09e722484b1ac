package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/qri-io/jsonschema"

	"github.com/OpenPeerPower/supervisor/internal/lifecycle"
	"github.com/OpenPeerPower/supervisor/internal/runtime"
)

// Manifest is the declarative install request for a component.
type Manifest struct {
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	Image        string         `json:"image"`
	Version      string         `json:"version"`
	Limits       runtime.Limits `json:"limits,omitempty"`
	Ports        []string       `json:"ports,omitempty"`
	BootPriority int            `json:"boot_priority,omitempty"`
	AutoUpdate   bool           `json:"auto_update,omitempty"`
}

const manifestSchema = `{
	"type": "object",
	"required": ["id", "kind", "image", "version"],
	"properties": {
		"id": {
			"type": "string",
			"pattern": "^[a-z0-9][a-z0-9_-]*$"
		},
		"kind": {
			"type": "string",
			"enum": ["core", "addon", "plugin"]
		},
		"image": {
			"type": "string",
			"minLength": 1
		},
		"version": {
			"type": "string",
			"minLength": 1
		},
		"limits": {
			"type": "object",
			"properties": {
				"cpu_shares": {"type": "integer", "minimum": 0},
				"memory_bytes": {"type": "integer", "minimum": 0}
			}
		},
		"ports": {
			"type": "array",
			"items": {"type": "string", "minLength": 1}
		},
		"boot_priority": {"type": "integer", "minimum": 0},
		"auto_update": {"type": "boolean"}
	}
}`

var manifestRS = mustSchema(manifestSchema)

func mustSchema(raw string) *jsonschema.Schema {
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal([]byte(raw), rs); err != nil {
		panic(fmt.Sprintf("invalid manifest schema: %s", err))
	}
	return rs
}

// ParseManifest validates raw against the manifest schema and decodes it.
// Any schema violation is returned as a single error listing every failed
// key, so a malformed request is rejected before a job is created.
func ParseManifest(ctx context.Context, raw []byte) (*Manifest, error) {
	keyErrs, err := manifestRS.ValidateBytes(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("validating manifest: %w", err)
	}
	if len(keyErrs) > 0 {
		msgs := make([]string, 0, len(keyErrs))
		for _, ke := range keyErrs {
			msgs = append(msgs, ke.Error())
		}
		return nil, errors.New(strings.Join(msgs, "; "))
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	// Port specs are free-form strings to the schema; parse them the way
	// the engine will so a bad spec fails here, not mid-install.
	if len(m.Ports) > 0 {
		if _, _, err := nat.ParsePortSpecs(m.Ports); err != nil {
			return nil, fmt.Errorf("invalid port spec: %w", err)
		}
	}
	return &m, nil
}

// NewComponent builds the initial registry entry for a manifest.
func (m *Manifest) NewComponent() *Component {
	return &Component{
		ID:               m.ID,
		Kind:             m.Kind,
		Image:            m.Image,
		InstalledVersion: m.Version,
		State:            lifecycle.StateCreated,
		Limits:           m.Limits,
		Ports:            m.Ports,
		BootPriority:     m.BootPriority,
		AutoUpdate:       m.AutoUpdate,
	}
}
