// Package registry loads declarative probe task manifests and reconciles
// them with the task store. Manifests are applied at startup from a
// configured directory and on demand through the admin API.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/events"
	"github.com/netpulse/netpulse/internal/wire"
)

// TaskStore is the slice of the task repository the registry drives.
type TaskStore interface {
	Create(ctx context.Context, task *database.Task) error
	Update(ctx context.Context, task *database.Task) error
	List(ctx context.Context, page database.Pagination) ([]database.Task, error)
}

// ApplyResult summarizes one reconciliation pass.
type ApplyResult struct {
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Unchanged int       `json:"unchanged"`
	Errors    []string  `json:"errors,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// Registry reconciles declared probe manifests with the task store.
type Registry struct {
	tasks     TaskStore
	publisher events.Publisher
	logger    *slog.Logger
}

// NewRegistry creates a manifest registry over the given task store.
// Applied changes are announced through the publisher like changes made
// through the API.
func NewRegistry(tasks TaskStore, publisher events.Publisher, logger *slog.Logger) *Registry {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		tasks:     tasks,
		publisher: publisher,
		logger:    logger.With("component", "registry"),
	}
}

// Apply validates the manifest set and upserts the declared tasks.
// Stored tasks are matched by protocol, target and port; a match keeps
// its identity, owner, status and schedule, and only the declared fields
// change. Tasks absent from the manifests are left alone, so tasks
// created through the API survive a registry pass.
func (r *Registry) Apply(ctx context.Context, manifests []Manifest) (*ApplyResult, error) {
	if err := ValidateManifests(manifests); err != nil {
		return nil, fmt.Errorf("invalid manifests: %w", err)
	}

	existing, err := r.listAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list existing tasks: %w", err)
	}

	byKey := make(map[string]database.Task, len(existing))
	for _, t := range existing {
		byKey[taskKey(t.Protocol, t.Target, t.Port)] = t
	}

	result := &ApplyResult{AppliedAt: time.Now().UTC()}

	for _, m := range manifests {
		desired := m.Task()
		key := taskKey(desired.Protocol, desired.Target, desired.Port)

		current, ok := byKey[key]
		if !ok {
			// NextRunAt stays nil so the scheduler picks the task up
			// on its next cycle.
			if err := r.tasks.Create(ctx, &desired); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to create %q: %v", m.Metadata.Name, err))
				continue
			}

			r.publisher.PublishTaskEvent(desired.ID, "created", map[string]any{
				"protocol": string(desired.Protocol),
				"target":   desired.Target,
			})
			result.Created++
			continue
		}

		if !specChanged(&current, &desired) {
			result.Unchanged++
			continue
		}

		// Carry over everything the manifest does not own.
		desired.ID = current.ID
		desired.UserID = current.UserID
		desired.Status = current.Status
		desired.NextRunAt = current.NextRunAt
		desired.CreatedAt = current.CreatedAt

		if err := r.tasks.Update(ctx, &desired); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to update %q: %v", m.Metadata.Name, err))
			continue
		}

		r.publisher.PublishTaskEvent(desired.ID, "updated", nil)
		result.Updated++
	}

	r.logger.Info("manifests applied",
		"created", result.Created,
		"updated", result.Updated,
		"unchanged", result.Unchanged,
		"errors", len(result.Errors),
	)

	return result, nil
}

// ApplyDir parses every .yaml/.yml file under dir and applies them as
// one combined manifest set, so duplicates across files are rejected.
func (r *Registry) ApplyDir(ctx context.Context, dir string) (*ApplyResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory: %w", err)
	}

	var manifests []Manifest
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		parsed, err := loadManifestFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		manifests = append(manifests, parsed...)
	}

	if len(manifests) == 0 {
		return nil, fmt.Errorf("no manifests found in %s", dir)
	}

	r.logger.Info("applying manifest directory", "dir", dir, "manifests", len(manifests))

	return r.Apply(ctx, manifests)
}

// listAll pages through the full task table. Manifest sets are small
// compared to the table, so one in-memory index beats a query per
// manifest.
func (r *Registry) listAll(ctx context.Context) ([]database.Task, error) {
	const pageSize = 500

	var all []database.Task
	for offset := 0; ; offset += pageSize {
		page, err := r.tasks.List(ctx, database.Pagination{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

func loadManifestFile(path string) ([]Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest file: %w", err)
	}
	defer f.Close()

	return ParseManifests(f)
}

// taskKey is the natural identity of a probe: what it measures and where.
func taskKey(protocol wire.Protocol, target string, port *int) string {
	if port == nil {
		return fmt.Sprintf("%s/%s", protocol, target)
	}
	return fmt.Sprintf("%s/%s:%d", protocol, target, *port)
}

// specChanged reports whether the declared fields differ from the stored
// task. Identity, owner, status and schedule are not compared because
// the manifest does not own them.
func specChanged(current, desired *database.Task) bool {
	if current.FrequencySeconds != desired.FrequencySeconds ||
		current.TimeoutSeconds != desired.TimeoutSeconds ||
		current.Priority != desired.Priority {
		return true
	}
	if !equalParams(current.Parameters, desired.Parameters) {
		return true
	}
	return !equalPtr(current.PreferredCountry, desired.PreferredCountry) ||
		!equalPtr(current.PreferredCity, desired.PreferredCity) ||
		!equalPtr(current.PreferredISP, desired.PreferredISP)
}

// equalParams compares parameter maps by their canonical JSON form.
// Stored parameters come back JSON-decoded (numbers as float64) while
// manifest values are YAML-decoded (numbers as int), so a direct deep
// compare would report every numeric parameter as changed.
func equalParams(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}

	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
