package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/wire"
)

func TestParseManifests(t *testing.T) {
	input := `kind: ProbeTask
metadata:
  name: ping-eu
spec:
  protocol: icmp
  target: eu.example.com
  frequency_seconds: 60
---
---
kind: ProbeTask
metadata:
  name: https-api
  description: API edge health
spec:
  protocol: https
  target: https://api.example.com/healthz
  frequency_seconds: 30
  timeout_seconds: 10
  priority: 1
  parameters:
    method: GET
    expected_status: 200
`

	manifests, err := ParseManifests(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, manifests, 2, "empty documents should be skipped")

	assert.Equal(t, "ping-eu", manifests[0].Metadata.Name)
	assert.Equal(t, "icmp", manifests[0].Spec.Protocol)
	assert.Equal(t, 30, manifests[0].Spec.TimeoutSeconds, "default timeout")
	assert.Equal(t, 2, manifests[0].Spec.Priority, "default priority")

	assert.Equal(t, "https-api", manifests[1].Metadata.Name)
	assert.Equal(t, 10, manifests[1].Spec.TimeoutSeconds)
	assert.Equal(t, 1, manifests[1].Spec.Priority)
	assert.Equal(t, "GET", manifests[1].Spec.Parameters["method"])
}

func TestParseManifestsUnknownField(t *testing.T) {
	input := `kind: ProbeTask
metadata:
  name: ping
spec:
  protocol: icmp
  target: example.com
  frequency_secs: 60
`

	_, err := ParseManifests(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frequency_secs")
}

func TestParseManifestsMalformed(t *testing.T) {
	_, err := ParseManifests(strings.NewReader("kind: [broken"))
	require.Error(t, err)
}

func TestParseManifestBytes(t *testing.T) {
	manifests, err := ParseManifestBytes([]byte(ExampleManifest()))
	require.NoError(t, err)
	assert.Len(t, manifests, 3)
}

func TestManifestTask(t *testing.T) {
	port := 53
	m := Manifest{
		Kind:     ManifestKind,
		Metadata: ManifestMeta{Name: "dns-tcp"},
		Spec: TaskSpec{
			Protocol:         "tcp",
			Target:           "resolver.example.net",
			Port:             &port,
			Parameters:       map[string]any{"retries": 2},
			FrequencySeconds: 120,
			TimeoutSeconds:   5,
			Priority:         3,
			Preferred:        &PlacementSpec{Country: "DE", ISP: "ExampleNet"},
		},
	}

	task := m.Task()

	assert.Equal(t, wire.ProtocolTCP, task.Protocol)
	assert.Equal(t, "resolver.example.net", task.Target)
	require.NotNil(t, task.Port)
	assert.Equal(t, 53, *task.Port)
	assert.Equal(t, 120, task.FrequencySeconds)
	assert.Equal(t, 5, task.TimeoutSeconds)
	assert.Equal(t, 3, task.Priority)
	assert.Equal(t, database.TaskStatusActive, task.Status)
	require.NotNil(t, task.PreferredCountry)
	assert.Equal(t, "DE", *task.PreferredCountry)
	assert.Nil(t, task.PreferredCity)
	require.NotNil(t, task.PreferredISP)
	assert.Equal(t, "ExampleNet", *task.PreferredISP)
	assert.Nil(t, task.NextRunAt)
}

func validManifest(name, target string) Manifest {
	m := Manifest{
		Kind:     ManifestKind,
		Metadata: ManifestMeta{Name: name},
		Spec: TaskSpec{
			Protocol:         "icmp",
			Target:           target,
			FrequencySeconds: 60,
		},
	}
	applyDefaults(&m)
	return m
}

func TestValidateManifests(t *testing.T) {
	tests := []struct {
		name      string
		manifests []Manifest
		wantErr   string
	}{
		{
			name:      "valid set",
			manifests: []Manifest{validManifest("a", "a.example.com"), validManifest("b", "b.example.com")},
		},
		{
			name:      "empty set",
			manifests: nil,
			wantErr:   "at least one manifest",
		},
		{
			name: "wrong kind",
			manifests: []Manifest{func() Manifest {
				m := validManifest("a", "a.example.com")
				m.Kind = "Probe"
				return m
			}()},
			wantErr: `kind must be "ProbeTask"`,
		},
		{
			name: "missing name",
			manifests: []Manifest{func() Manifest {
				m := validManifest("", "a.example.com")
				return m
			}()},
			wantErr: "metadata.name is required",
		},
		{
			name:      "duplicate name",
			manifests: []Manifest{validManifest("a", "a.example.com"), validManifest("a", "b.example.com")},
			wantErr:   "duplicated",
		},
		{
			name: "invalid protocol",
			manifests: []Manifest{func() Manifest {
				m := validManifest("a", "a.example.com")
				m.Spec.Protocol = "gopher"
				return m
			}()},
			wantErr: "protocol",
		},
		{
			name: "frequency out of range",
			manifests: []Manifest{func() Manifest {
				m := validManifest("a", "a.example.com")
				m.Spec.FrequencySeconds = 1
				return m
			}()},
			wantErr: "frequency",
		},
		{
			name:      "same probe declared twice",
			manifests: []Manifest{validManifest("a", "a.example.com"), validManifest("b", "a.example.com")},
			wantErr:   "declares the same probe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateManifests(tt.manifests)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidationErrorMessage(t *testing.T) {
	single := &ValidationError{Errors: []string{"boom"}}
	assert.Equal(t, "boom", single.Error())

	multi := &ValidationError{Errors: []string{"one", "two"}}
	assert.Equal(t, "2 validation errors: one; two", multi.Error())
}

func TestExampleManifestIsValid(t *testing.T) {
	manifests, err := ParseManifestBytes([]byte(ExampleManifest()))
	require.NoError(t, err)
	require.NoError(t, ValidateManifests(manifests))
}
