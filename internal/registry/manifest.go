package registry

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/wire"
)

// ManifestKind is the only document kind the registry understands.
const ManifestKind = "ProbeTask"

// Manifest is a single declared probe task. A manifest file may hold
// several documents separated by "---".
type Manifest struct {
	Kind     string       `yaml:"kind"`
	Metadata ManifestMeta `yaml:"metadata"`
	Spec     TaskSpec     `yaml:"spec"`
}

// ManifestMeta names a manifest within its file set. The name is only
// used for diagnostics and duplicate detection; stored tasks are matched
// by what they probe, not by name.
type ManifestMeta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// TaskSpec mirrors the probe task fields an operator may declare.
type TaskSpec struct {
	Protocol         string         `yaml:"protocol"`
	Target           string         `yaml:"target"`
	Port             *int           `yaml:"port,omitempty"`
	Parameters       map[string]any `yaml:"parameters,omitempty"`
	FrequencySeconds int            `yaml:"frequency_seconds"`
	TimeoutSeconds   int            `yaml:"timeout_seconds,omitempty"`
	Priority         int            `yaml:"priority,omitempty"`
	Preferred        *PlacementSpec `yaml:"preferred,omitempty"`
}

// PlacementSpec narrows which agents may be picked to run the task.
type PlacementSpec struct {
	Country string `yaml:"country,omitempty"`
	City    string `yaml:"city,omitempty"`
	ISP     string `yaml:"isp,omitempty"`
}

// ParseManifests reads a stream of YAML documents into manifests.
// Unknown fields are rejected so typos surface as parse errors instead
// of silently dropped settings.
func ParseManifests(r io.Reader) ([]Manifest, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var manifests []Manifest
	for i := 0; ; i++ {
		var m Manifest
		if err := decoder.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode manifest document %d: %w", i+1, err)
		}

		// A bare "---" separator decodes as an empty document.
		if m.Kind == "" && m.Metadata.Name == "" && m.Spec.Target == "" {
			continue
		}

		applyDefaults(&m)
		manifests = append(manifests, m)
	}

	return manifests, nil
}

// ParseManifestBytes parses manifests from bytes.
func ParseManifestBytes(data []byte) ([]Manifest, error) {
	return ParseManifests(strings.NewReader(string(data)))
}

// applyDefaults fills in the same fallbacks the task create API applies.
func applyDefaults(m *Manifest) {
	if m.Spec.TimeoutSeconds == 0 {
		m.Spec.TimeoutSeconds = 30
	}
	if m.Spec.Priority == 0 {
		m.Spec.Priority = 2
	}
}

// Task converts the manifest spec into a task model. Identity, owner and
// scheduling fields are left for the registry to fill during Apply.
func (m *Manifest) Task() database.Task {
	t := database.Task{
		Protocol:         wire.Protocol(m.Spec.Protocol),
		Target:           m.Spec.Target,
		Port:             m.Spec.Port,
		Parameters:       m.Spec.Parameters,
		FrequencySeconds: m.Spec.FrequencySeconds,
		TimeoutSeconds:   m.Spec.TimeoutSeconds,
		Priority:         m.Spec.Priority,
		Status:           database.TaskStatusActive,
	}

	if p := m.Spec.Preferred; p != nil {
		if p.Country != "" {
			t.PreferredCountry = ptr(p.Country)
		}
		if p.City != "" {
			t.PreferredCity = ptr(p.City)
		}
		if p.ISP != "" {
			t.PreferredISP = ptr(p.ISP)
		}
	}

	return t
}

// ValidateManifests validates a manifest set as a whole. Task field
// validation is shared with the create API through Task.Validate, on
// top of which manifests must carry the right kind, a unique name, and
// must not declare the same probe twice.
func ValidateManifests(manifests []Manifest) error {
	var errs []string

	if len(manifests) == 0 {
		errs = append(errs, "at least one manifest is required")
	}

	names := make(map[string]bool)
	probes := make(map[string]string)

	for i, m := range manifests {
		prefix := fmt.Sprintf("manifest %q", m.Metadata.Name)
		if m.Metadata.Name == "" {
			prefix = fmt.Sprintf("manifest[%d]", i)
		}

		if m.Kind != ManifestKind {
			errs = append(errs, fmt.Sprintf("%s: kind must be %q, got %q", prefix, ManifestKind, m.Kind))
		}

		if m.Metadata.Name == "" {
			errs = append(errs, fmt.Sprintf("%s: metadata.name is required", prefix))
		} else if names[m.Metadata.Name] {
			errs = append(errs, fmt.Sprintf("%s: metadata.name is duplicated", prefix))
		}
		names[m.Metadata.Name] = true

		task := m.Task()
		if err := task.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", prefix, err))
			continue
		}

		key := taskKey(task.Protocol, task.Target, task.Port)
		if other, ok := probes[key]; ok {
			errs = append(errs, fmt.Sprintf("%s: declares the same probe as manifest %q (%s)", prefix, other, key))
		} else {
			probes[key] = m.Metadata.Name
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}

	return nil
}

// ValidationError contains multiple validation errors.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0]
	}
	return fmt.Sprintf("%d validation errors: %s", len(e.Errors), strings.Join(e.Errors, "; "))
}

func ptr[T any](v T) *T {
	return &v
}

// ExampleManifest returns an example manifest file for documentation.
func ExampleManifest() string {
	return `kind: ProbeTask
metadata:
  name: ping-example
  description: ICMP reachability of example.com
spec:
  protocol: icmp
  target: example.com
  frequency_seconds: 60
  parameters:
    count: 4
---
kind: ProbeTask
metadata:
  name: https-example
  description: HTTPS health of the public site
spec:
  protocol: https
  target: https://example.com/healthz
  frequency_seconds: 30
  timeout_seconds: 10
  priority: 1
  parameters:
    method: GET
    expected_status: 200
---
kind: ProbeTask
metadata:
  name: dns-tcp-example
  description: TCP reachability of the EU resolver
spec:
  protocol: tcp
  target: resolver.example.net
  port: 53
  frequency_seconds: 120
  preferred:
    country: DE
`
}
