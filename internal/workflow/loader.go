package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/namastexlabs/automagik/internal/log"
)

// Registry holds the known workflows: built-ins overlaid with templates from
// the user directory. Reload swaps the whole set atomically.
type Registry struct {
	userDir string

	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewRegistry loads built-ins plus any templates under userDir. An empty or
// missing userDir is fine; the built-ins always load.
func NewRegistry(userDir string) (*Registry, error) {
	r := &Registry{userDir: userDir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the workflow by name, or ErrUnknown.
func (r *Registry) Get(name string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return wf, nil
}

// Names returns all registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reload re-reads built-ins and the user directory. A template that fails to
// parse is skipped with a warning so one bad file cannot take down the set.
func (r *Registry) Reload() error {
	workflows, err := loadBuiltins()
	if err != nil {
		return fmt.Errorf("load builtin workflows: %w", err)
	}

	if r.userDir != "" {
		entries, err := os.ReadDir(r.userDir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read workflows dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			path := filepath.Join(r.userDir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				log.Warn(log.CatWF, "workflow template unreadable", "path", path, "error", err)
				continue
			}
			wf, err := Parse(data)
			if err != nil {
				log.Warn(log.CatWF, "workflow template invalid", "path", path, "error", err)
				continue
			}
			if existing, ok := workflows[wf.Name]; ok && existing.BuiltIn {
				log.Info(log.CatWF, "builtin workflow overridden", "name", wf.Name, "path", path)
			}
			workflows[wf.Name] = wf
		}
	}

	r.mu.Lock()
	r.workflows = workflows
	r.mu.Unlock()

	log.Info(log.CatWF, "workflows loaded", "count", len(workflows))
	return nil
}
