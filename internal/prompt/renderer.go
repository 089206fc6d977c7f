// Package prompt resolves named templates with {{name}} placeholders into
// finalized prompt strings. Rendering asserts that every declared variable
// is present, injects the tenant persona under a reserved variable, enforces
// the template's length bound, and produces a stable hash of the normalized
// output for cache keying.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/hyperxav/clara-engine/internal/model"
)

// PersonaVar is the reserved variable name under which the tenant's persona
// prompt is injected. Callers must not supply it themselves.
const PersonaVar = "persona"

// placeholderRe matches {{name}} placeholders. Names are word characters.
var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Renderer stores templates by name and renders them. Safe for concurrent use.
type Renderer struct {
	mu        sync.RWMutex
	templates map[string]model.PromptTemplate
}

// NewRenderer creates a Renderer preloaded with the default templates.
func NewRenderer() *Renderer {
	r := &Renderer{templates: make(map[string]model.PromptTemplate)}
	for _, t := range defaultTemplates() {
		r.templates[t.Name] = t
	}
	return r
}

// Add registers a template, replacing any previous version with the same
// name. The template's required variables are derived from its placeholders
// when not declared explicitly.
func (r *Renderer) Add(t model.PromptTemplate) error {
	if t.Name == "" {
		return model.NewError(model.KindConfiguration, "template name must not be empty", nil)
	}
	if len(t.Required) == 0 {
		t.Required = Placeholders(t.Text)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = t
	return nil
}

// Get returns the template with the given name.
func (r *Renderer) Get(name string) (model.PromptTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.templates[name]
	if !ok {
		return model.PromptTemplate{}, model.NewError(model.KindConfiguration,
			fmt.Sprintf("template %q not found", name), nil)
	}
	return t, nil
}

// Placeholders extracts the distinct placeholder names from a template body,
// in order of first appearance.
func Placeholders(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Rendered is a finalized prompt with its stable hash.
type Rendered struct {
	// Text is the rendered prompt.
	Text string
	// Hash is the hex-encoded SHA-256 of the normalized text; the semantic
	// cache's exact key.
	Hash string
}

// Render resolves the named template with vars, injecting the tenant's
// persona under the reserved variable. Missing required variables or an
// over-length render fail with a configuration error.
func (r *Renderer) Render(name string, tenant *model.Tenant, vars map[string]string) (Rendered, error) {
	t, err := r.Get(name)
	if err != nil {
		return Rendered{}, err
	}

	if _, ok := vars[PersonaVar]; ok {
		return Rendered{}, model.NewError(model.KindConfiguration,
			fmt.Sprintf("variable %q is reserved", PersonaVar), nil)
	}

	resolved := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		resolved[k] = v
	}
	resolved[PersonaVar] = tenant.PersonaPrompt

	var missing []string
	for _, req := range t.Required {
		if _, ok := resolved[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return Rendered{}, model.NewError(model.KindConfiguration,
			fmt.Sprintf("template %q: missing required variables: %s", name, strings.Join(missing, ", ")), nil)
	}

	text := placeholderRe.ReplaceAllStringFunc(t.Text, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		return resolved[key]
	})

	if t.MaxLength > 0 && len(text) > t.MaxLength {
		return Rendered{}, model.NewError(model.KindConfiguration,
			fmt.Sprintf("template %q: rendered length %d exceeds max %d", name, len(text), t.MaxLength), nil)
	}

	return Rendered{Text: text, Hash: Hash(text)}, nil
}

// Hash returns the hex-encoded SHA-256 of the normalized text. Normalization
// collapses runs of whitespace and trims, so insignificant formatting
// differences map to the same cache key.
func Hash(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
