// internal/specialist/registry.go
package specialist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Spec is one specialist descriptor loaded from a YAML file. Each
// specialist declares the tools it may use, the routing keywords that
// select it, a schema its output must satisfy, and an optional UI hint
// for rendering results on a canvas.
type Spec struct {
	ID             string   `yaml:"id"`
	Description    string   `yaml:"description"`
	Keywords       []string `yaml:"keywords"`
	Tools          []string `yaml:"tools"`
	Prompt         string   `yaml:"prompt"`
	OutputSchema   string   `yaml:"output_schema"`
	UIHint         string   `yaml:"ui_hint"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	TokenBudget    int64    `yaml:"token_budget"`

	schema  *jsonschema.Schema
	timeout time.Duration
}

// Timeout returns the specialist's effective per-invocation timeout.
func (s *Spec) Timeout() time.Duration { return s.timeout }

// ValidateOutput checks a decoded output value against the declared schema.
func (s *Spec) ValidateOutput(v any) error {
	if s.schema == nil {
		return nil
	}
	return s.schema.Validate(v)
}

// Registry holds the validated specialist roster. Descriptors are loaded
// once at startup; a descriptor that fails validation aborts startup
// rather than surfacing at dispatch time.
type Registry struct {
	specs map[string]*Spec
	order []string
}

// LoadRegistry reads every *.yaml descriptor in dir. Timeouts default to
// defaultTimeout and are clamped to maxTimeout.
func LoadRegistry(dir string, defaultTimeout, maxTimeout time.Duration) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{specs: make(map[string]*Spec)}, nil
		}
		return nil, fmt.Errorf("reading specialist dir: %w", err)
	}

	r := &Registry{specs: make(map[string]*Spec)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		spec := &Spec{}
		if err := yaml.Unmarshal(data, spec); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if err := r.add(spec, defaultTimeout, maxTimeout); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	sort.Strings(r.order)
	return r, nil
}

// NewRegistry builds a registry from in-memory specs, mostly for tests.
func NewRegistry(specs []*Spec, defaultTimeout, maxTimeout time.Duration) (*Registry, error) {
	r := &Registry{specs: make(map[string]*Spec)}
	for _, spec := range specs {
		if err := r.add(spec, defaultTimeout, maxTimeout); err != nil {
			return nil, err
		}
	}
	sort.Strings(r.order)
	return r, nil
}

func (r *Registry) add(spec *Spec, defaultTimeout, maxTimeout time.Duration) error {
	if spec.ID == "" {
		return fmt.Errorf("specialist id is required")
	}
	if _, dup := r.specs[spec.ID]; dup {
		return fmt.Errorf("duplicate specialist id: %s", spec.ID)
	}

	if spec.OutputSchema != "" {
		compiled, err := jsonschema.CompileString(spec.ID+".schema.json", spec.OutputSchema)
		if err != nil {
			return fmt.Errorf("output schema for %s: %w", spec.ID, err)
		}
		spec.schema = compiled
	}

	spec.timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	if spec.timeout <= 0 {
		spec.timeout = defaultTimeout
	}
	if maxTimeout > 0 && spec.timeout > maxTimeout {
		spec.timeout = maxTimeout
	}

	r.specs[spec.ID] = spec
	r.order = append(r.order, spec.ID)
	return nil
}

// Get returns the specialist with the given id.
func (r *Registry) Get(id string) (*Spec, bool) {
	spec, ok := r.specs[id]
	return spec, ok
}

// All returns every specialist in id order.
func (r *Registry) All() []*Spec {
	out := make([]*Spec, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.specs[id])
	}
	return out
}

// Match returns the ids of specialists whose keywords appear in the text,
// in id order. Matching is case-insensitive whole-substring.
func (r *Registry) Match(text string) []string {
	lowered := strings.ToLower(text)
	var hits []string
	for _, id := range r.order {
		for _, kw := range r.specs[id].Keywords {
			if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
				hits = append(hits, id)
				break
			}
		}
	}
	return hits
}
