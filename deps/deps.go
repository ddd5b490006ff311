// Package deps tracks the external runtime pieces spadeval needs and can
// install them into the data directory.
package deps

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stevecastle/spadeval/downloads"
)

// DependencyStatus represents the current state of a dependency.
type DependencyStatus string

const (
	StatusNotInstalled DependencyStatus = "not_installed"
	StatusInstalled    DependencyStatus = "installed"
	StatusOutdated     DependencyStatus = "outdated"
)

// Dependency represents an external dependency that can be checked and installed.
type Dependency struct {
	ID            string
	Name          string
	Description   string
	TargetDir     string // Base directory for installation
	LatestVersion string

	// Optional dependencies do not block an evaluation run.
	Optional bool

	// Check verifies the dependency exists and returns its installed version.
	Check func(ctx context.Context) (exists bool, version string, err error)

	// Install downloads and installs the dependency.
	Install func(ctx context.Context, progress downloads.ProgressCallback) error
}

// Status checks d and compares the installed version with LatestVersion.
func (d *Dependency) Status(ctx context.Context) (DependencyStatus, error) {
	exists, version, err := d.Check(ctx)
	if err != nil {
		return StatusNotInstalled, err
	}
	if !exists {
		return StatusNotInstalled, nil
	}
	if d.LatestVersion != "" && version != d.LatestVersion {
		return StatusOutdated, nil
	}
	return StatusInstalled, nil
}

// DependencyRegistry stores all registered dependencies.
type DependencyRegistry map[string]*Dependency

var (
	registry DependencyRegistry = make(DependencyRegistry)
	mu       sync.RWMutex
)

// Register adds a dependency to the global registry.
func Register(dep *Dependency) {
	mu.Lock()
	defer mu.Unlock()
	registry[dep.ID] = dep
}

// GetAll returns all registered dependencies ordered by id.
func GetAll() []*Dependency {
	mu.RLock()
	defer mu.RUnlock()

	deps := make([]*Dependency, 0, len(registry))
	for _, d := range registry {
		deps = append(deps, d)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].ID < deps[j].ID })
	return deps
}

// Get retrieves a dependency by its ID.
func Get(id string) (*Dependency, bool) {
	mu.RLock()
	defer mu.RUnlock()

	dep, ok := registry[id]
	return dep, ok
}

// EnsureAvailable returns an error if the dependency is not installed.
func EnsureAvailable(ctx context.Context, depID string) error {
	dep, ok := Get(depID)
	if !ok {
		return fmt.Errorf("unknown dependency: %s", depID)
	}

	exists, _, err := dep.Check(ctx)
	if err != nil {
		return fmt.Errorf("failed to check dependency %s: %w", depID, err)
	}
	if !exists {
		return fmt.Errorf("dependency %s is not installed; run spadeval --install-runtime", dep.Name)
	}
	return nil
}

// GetMissingRequired returns all required dependencies that are not
// installed or are out of date.
func GetMissingRequired(ctx context.Context) []*Dependency {
	var missing []*Dependency
	for _, d := range GetAll() {
		if d.Optional {
			continue
		}
		status, err := d.Status(ctx)
		if err != nil || status != StatusInstalled {
			missing = append(missing, d)
		}
	}
	return missing
}

// InstallMissing installs every missing required dependency, one at a time.
func InstallMissing(ctx context.Context, m *downloads.Manager) error {
	for _, d := range GetMissingRequired(ctx) {
		if d.Install == nil {
			return fmt.Errorf("dependency %s must be installed manually", d.Name)
		}
		if err := m.Install(ctx, d.ID, d.Name, d.Install); err != nil {
			return err
		}
	}
	return nil
}
