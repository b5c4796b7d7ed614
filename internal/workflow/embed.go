package workflow

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
)

//go:embed templates/*.md
var builtinFS embed.FS

// loadBuiltins parses the templates compiled into the binary.
func loadBuiltins() (map[string]*Workflow, error) {
	entries, err := fs.ReadDir(builtinFS, "templates")
	if err != nil {
		return nil, err
	}

	workflows := make(map[string]*Workflow, len(entries))
	for _, entry := range entries {
		data, err := builtinFS.ReadFile(path.Join("templates", entry.Name()))
		if err != nil {
			return nil, err
		}
		wf, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("builtin template %s: %w", entry.Name(), err)
		}
		wf.BuiltIn = true
		workflows[wf.Name] = wf
	}
	return workflows, nil
}
