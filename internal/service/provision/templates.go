package provision

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/cloudpad/gameserv/internal/domain"
)

// Registry holds the immutable template catalog loaded at startup.
type Registry struct {
	templates map[string]domain.Template
}

// LoadTemplates reads the template catalog from a JSON file.
func LoadTemplates(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var list []domain.Template
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return NewRegistry(list)
}

// NewRegistry builds a registry from an explicit template list.
func NewRegistry(list []domain.Template) (*Registry, error) {
	templates := make(map[string]domain.Template, len(list))
	for _, tpl := range list {
		if tpl.Name == "" {
			return nil, fmt.Errorf("template with empty name")
		}
		if _, ok := templates[tpl.Name]; ok {
			return nil, fmt.Errorf("duplicate template %q", tpl.Name)
		}
		templates[tpl.Name] = tpl
	}
	return &Registry{templates: templates}, nil
}

// Get returns a template by name.
func (r *Registry) Get(name string) (domain.Template, bool) {
	tpl, ok := r.templates[name]
	return tpl, ok
}

// List returns all templates sorted by name.
func (r *Registry) List() []domain.Template {
	out := make([]domain.Template, 0, len(r.templates))
	for _, tpl := range r.templates {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// renderStartupScript substitutes {name} placeholders with merged parameter
// values. An unresolved placeholder aborts rendering before any cloud call.
func renderStartupScript(script string, params map[string]string) (string, error) {
	var missing []string
	rendered := placeholderPattern.ReplaceAllStringFunc(script, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := params[key]
		if !ok {
			missing = append(missing, key)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: unresolved startup script placeholder %q", ErrMissingParam, missing[0])
	}
	return rendered, nil
}

// mergeParams overlays user-supplied JSON overrides on template defaults.
func mergeParams(defaults map[string]string, overridesJSON string) (map[string]string, error) {
	merged := make(map[string]string, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	if overridesJSON == "" {
		return merged, nil
	}
	var overrides map[string]any
	if err := json.Unmarshal([]byte(overridesJSON), &overrides); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedParams, err)
	}
	for k, v := range overrides {
		merged[k] = fmt.Sprintf("%v", v)
	}
	return merged, nil
}
