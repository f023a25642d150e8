// Package persona loads prompt presets from a directory of Markdown files.
//
// A persona file may start with a YAML front matter block:
//
//	---
//	description: Careful reviewer
//	model: anthropic/claude-sonnet-4
//	---
//	You review code changes and report problems...
//
// The body is prepended to the task prompt; the model applies when the task
// does not choose one.
package persona

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/sevir/capataz/pkg/models"
)

// ErrUnknownPersona is returned when a task names a persona that is not loaded.
var ErrUnknownPersona = errors.New("unknown persona")

var frontMatterDelim = []byte("---")

// Persona is one loaded preset.
type Persona struct {
	Name        string `json:"name" yaml:"-"`
	Description string `json:"description,omitempty" yaml:"description"`
	Model       string `json:"model,omitempty" yaml:"model"`
	Body        string `json:"-" yaml:"-"`
}

// Library holds the personas found in a directory.
type Library struct {
	dir      string
	mu       sync.RWMutex
	personas map[string]Persona
}

// Load reads every .md file in dir. A missing directory yields an empty library.
func Load(dir string) (*Library, error) {
	l := &Library{dir: dir, personas: make(map[string]Persona)}
	if dir == "" {
		return l, nil
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload rereads the persona directory.
func (l *Library) Reload() error {
	if l.dir == "" {
		return nil
	}
	info, err := os.Stat(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("persona path is not a directory: %s", l.dir)
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}

	loaded := make(map[string]Persona)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(name), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			return fmt.Errorf("failed to read persona %s: %w", name, err)
		}
		p, err := parse(data)
		if err != nil {
			return fmt.Errorf("persona %s: %w", name, err)
		}
		p.Name = strings.TrimSuffix(name, filepath.Ext(name))
		loaded[p.Name] = p
	}

	l.mu.Lock()
	l.personas = loaded
	l.mu.Unlock()
	return nil
}

func parse(data []byte) (Persona, error) {
	var p Persona
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	if !bytes.HasPrefix(data, frontMatterDelim) {
		p.Body = strings.TrimSpace(string(data))
		return p, nil
	}

	rest := data[len(frontMatterDelim):]
	end := bytes.Index(rest, append([]byte("\n"), frontMatterDelim...))
	if end < 0 {
		return p, fmt.Errorf("unterminated front matter")
	}
	if err := yaml.Unmarshal(rest[:end], &p); err != nil {
		return p, fmt.Errorf("invalid front matter: %w", err)
	}
	p.Body = strings.TrimSpace(string(rest[end+1+len(frontMatterDelim):]))
	return p, nil
}

// Get returns a persona by name.
func (l *Library) Get(name string) (Persona, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.personas[name]
	return p, ok
}

// List returns the loaded personas sorted by name.
func (l *Library) List() []Persona {
	l.mu.RLock()
	list := make([]Persona, 0, len(l.personas))
	for _, p := range l.personas {
		list = append(list, p)
	}
	l.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Apply prepends the persona body to the task prompt and fills in its model
// when the task has none. An empty name leaves cfg untouched.
func (l *Library) Apply(name string, cfg models.TaskConfig) (models.TaskConfig, error) {
	if name == "" {
		return cfg, nil
	}
	p, ok := l.Get(name)
	if !ok {
		return cfg, fmt.Errorf("%w: %s", ErrUnknownPersona, name)
	}

	if p.Body != "" {
		if cfg.Prompt == "" {
			cfg.Prompt = p.Body
		} else {
			cfg.Prompt = p.Body + "\n\n" + cfg.Prompt
		}
	}
	if cfg.ModelID == "" && p.Model != "" {
		if provider, model, ok := strings.Cut(p.Model, "/"); ok {
			cfg.ProviderID, cfg.ModelID = provider, model
		} else {
			cfg.ModelID = p.Model
		}
	}
	return cfg, nil
}
