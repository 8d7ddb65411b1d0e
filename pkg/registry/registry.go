// Package registry provides a central registry of extraction providers.
// This enables runtime selection without if/else chains in main code.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/legalflow/legalflow/internal/model"
	"github.com/legalflow/legalflow/pkg/extract"
)

// Capabilities declares what a provider can handle beyond plain text.
type Capabilities struct {
	OCR            bool
	Vision         bool
	PromptVersions []string
}

// Provider pairs a document parser with an event extractor under one name.
// A run's configuration selects exactly one provider; the pairing is fixed
// for the lifetime of the run.
type Provider struct {
	Name         string
	Parser       extract.DocumentParser
	Extractor    extract.EventExtractor
	Capabilities Capabilities
}

// Registry holds named providers. Registration happens at startup; lookups
// are concurrent-safe after that.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

var defaultRegistry = NewRegistry()

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// Register adds a provider. Duplicate names are an error so a misconfigured
// build fails loudly at startup instead of shadowing a provider.
func (r *Registry) Register(p *Provider) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("provider must have a name")
	}
	if p.Parser == nil || p.Extractor == nil {
		return fmt.Errorf("provider %q must pair a parser and an extractor", p.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.Name]; exists {
		return fmt.Errorf("provider %q already registered", p.Name)
	}
	r.providers[p.Name] = p
	return nil
}

// Resolve returns the provider for the given name.
func (r *Registry) Resolve(name string) (*Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return p, nil
}

// List returns registered provider names, sorted for stable output.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a run configuration against the registry before any work
// is dispatched. A failure here is a configuration failure: the whole run is
// rejected and no document job is created.
func (r *Registry) Validate(cfg model.RunConfig) *extract.Failure {
	p, err := r.Resolve(cfg.Provider)
	if err != nil {
		return extract.NewConfigurationFailure(err.Error())
	}

	if cfg.PromptVersion != "" && !p.Extractor.SupportsPromptVersion(cfg.PromptVersion) {
		return extract.NewConfigurationFailure(fmt.Sprintf(
			"provider %q does not support prompt version %q", cfg.Provider, cfg.PromptVersion))
	}

	if cfg.OCRPolicy == "force" && !p.Capabilities.OCR {
		return extract.NewConfigurationFailure(fmt.Sprintf(
			"provider %q cannot satisfy ocr_policy=force", cfg.Provider))
	}

	return nil
}

// --- Global registry functions ---

// Register adds a provider to the default registry.
func Register(p *Provider) error {
	return defaultRegistry.Register(p)
}

// Resolve returns a provider from the default registry.
func Resolve(name string) (*Provider, error) {
	return defaultRegistry.Resolve(name)
}

// List lists providers from the default registry.
func List() []string {
	return defaultRegistry.List()
}

// Default returns the default registry for direct access.
func Default() *Registry {
	return defaultRegistry
}
