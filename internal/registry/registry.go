// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry holds the static table of supported AI providers: their
// display metadata, model catalogs, and the wire adapter serving each one.
// The table is assembled during startup and only read once serving begins.
package registry

import (
	"github.com/morganforge/chatrelay/internal/provider"
)

// =============================================================================
// DESCRIPTORS
// =============================================================================

// ModelDescriptor describes one selectable model.
type ModelDescriptor struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	ContextLength int     `json:"contextLength"`
	InputPrice    float64 `json:"inputPrice,omitempty"`  // $ per 1K input tokens
	OutputPrice   float64 `json:"outputPrice,omitempty"` // $ per 1K output tokens
}

// Descriptor describes one provider and its model catalog.
type Descriptor struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Enabled        bool              `json:"enabled"`
	RequiresAPIKey bool              `json:"requiresApiKey"`
	Models         []ModelDescriptor `json:"models"`
}

// HasModel reports whether the descriptor's catalog contains the model ID.
func (d Descriptor) HasModel(modelID string) bool {
	for _, m := range d.Models {
		if m.ID == modelID {
			return true
		}
	}
	return false
}

// =============================================================================
// ERRORS
// =============================================================================

// ConfigurationError is a request naming a provider or model this process is
// not configured to serve. Always surfaced before any network I/O.
type ConfigurationError struct {
	Message string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return e.Message
}

// Is implements errors.Is support for configuration errors.
func (e *ConfigurationError) Is(target error) bool {
	t, ok := target.(*ConfigurationError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

var (
	// ErrUnknownProvider is returned for a provider ID not in the table.
	ErrUnknownProvider = &ConfigurationError{Message: "unknown provider"}

	// ErrProviderDisabled is returned for a known but disabled provider.
	ErrProviderDisabled = &ConfigurationError{Message: "provider is disabled"}

	// ErrUnknownModel is returned when the model does not belong to the
	// named provider.
	ErrUnknownModel = &ConfigurationError{Message: "model not available for provider"}
)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is the provider lookup table.
type Registry struct {
	order    []string
	byID     map[string]Descriptor
	adapters map[string]provider.Adapter
}

// New builds the default registry with every supported provider.
func New() *Registry {
	r := &Registry{
		byID:     make(map[string]Descriptor),
		adapters: make(map[string]provider.Adapter),
	}
	for _, e := range defaultEntries() {
		r.order = append(r.order, e.desc.ID)
		r.byID[e.desc.ID] = e.desc
		r.adapters[e.desc.ID] = e.adapter
	}
	return r
}

// Register adds or replaces a provider entry. Later registrations with the
// same ID replace the earlier descriptor and adapter but keep its position.
func (r *Registry) Register(d Descriptor, a provider.Adapter) {
	if _, exists := r.byID[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.byID[d.ID] = d
	r.adapters[d.ID] = a
}

// SetEnabled flips a provider's enablement. Unknown IDs are ignored.
func (r *Registry) SetEnabled(id string, enabled bool) {
	if d, ok := r.byID[id]; ok {
		d.Enabled = enabled
		r.byID[id] = d
	}
}

// Lookup returns the descriptor for a provider ID.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// ListEnabled returns the enabled providers in registration order.
func (r *Registry) ListEnabled() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		if d := r.byID[id]; d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Validate checks that the provider is known and enabled and that the model
// belongs to it.
func (r *Registry) Validate(providerID, modelID string) error {
	d, ok := r.byID[providerID]
	if !ok {
		return ErrUnknownProvider
	}
	if !d.Enabled {
		return ErrProviderDisabled
	}
	if !d.HasModel(modelID) {
		return ErrUnknownModel
	}
	return nil
}

// Adapter returns the wire adapter for an enabled provider.
func (r *Registry) Adapter(providerID string) (provider.Adapter, error) {
	if err := r.validateProvider(providerID); err != nil {
		return nil, err
	}
	return r.adapters[providerID], nil
}

// validateProvider checks provider existence and enablement only.
func (r *Registry) validateProvider(providerID string) error {
	d, ok := r.byID[providerID]
	if !ok {
		return ErrUnknownProvider
	}
	if !d.Enabled {
		return ErrProviderDisabled
	}
	return nil
}

// =============================================================================
// DEFAULT TABLE
// =============================================================================

type entry struct {
	desc    Descriptor
	adapter provider.Adapter
}

// defaultEntries returns the built-in provider table. Prices are dollars per
// 1K tokens; context lengths are the vendor-published windows.
func defaultEntries() []entry {
	return []entry{
		{
			desc: Descriptor{
				ID:             "openai",
				Name:           "OpenAI",
				Enabled:        true,
				RequiresAPIKey: true,
				Models: []ModelDescriptor{
					{ID: "gpt-4", Name: "GPT-4", ContextLength: 8192, InputPrice: 0.03, OutputPrice: 0.06},
					{ID: "gpt-4-turbo-preview", Name: "GPT-4 Turbo", ContextLength: 128000, InputPrice: 0.01, OutputPrice: 0.03},
					{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextLength: 4096, InputPrice: 0.0015, OutputPrice: 0.002},
				},
			},
			adapter: provider.NewOpenAI(),
		},
		{
			desc: Descriptor{
				ID:             "anthropic",
				Name:           "Anthropic",
				Enabled:        true,
				RequiresAPIKey: true,
				Models: []ModelDescriptor{
					{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextLength: 200000, InputPrice: 0.003, OutputPrice: 0.015},
					{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", ContextLength: 200000, InputPrice: 0.015, OutputPrice: 0.075},
					{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextLength: 200000, InputPrice: 0.00025, OutputPrice: 0.00125},
				},
			},
			adapter: provider.NewAnthropic(),
		},
		{
			desc: Descriptor{
				ID:             "google",
				Name:           "Google",
				Enabled:        true,
				RequiresAPIKey: true,
				Models: []ModelDescriptor{
					{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextLength: 1000000},
					{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextLength: 1000000},
				},
			},
			adapter: provider.NewGoogle(),
		},
		{
			desc: Descriptor{
				ID:             "deepseek",
				Name:           "DeepSeek",
				Enabled:        true,
				RequiresAPIKey: true,
				Models: []ModelDescriptor{
					{ID: "deepseek-chat", Name: "DeepSeek Chat", ContextLength: 4096},
					{ID: "deepseek-coder", Name: "DeepSeek Coder", ContextLength: 4096},
				},
			},
			adapter: provider.NewDeepSeek(),
		},
		{
			desc: Descriptor{
				ID:             "groq",
				Name:           "Groq",
				Enabled:        true,
				RequiresAPIKey: true,
				Models: []ModelDescriptor{
					{ID: "llama3-70b-8192", Name: "Llama 3 70B", ContextLength: 8192},
					{ID: "mixtral-8x7b-32768", Name: "Mixtral 8x7B", ContextLength: 32768},
				},
			},
			adapter: provider.NewGroq(),
		},
	}
}
