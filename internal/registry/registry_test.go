// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"errors"
	"testing"
)

func TestListEnabledOrder(t *testing.T) {
	r := New()

	list := r.ListEnabled()
	if len(list) == 0 {
		t.Fatal("expected at least one enabled provider")
	}

	want := []string{"openai", "anthropic", "google", "deepseek", "groq"}
	if len(list) != len(want) {
		t.Fatalf("expected %d providers, got %d", len(want), len(list))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, list[i].ID)
		}
	}
}

func TestLookup(t *testing.T) {
	r := New()

	d, ok := r.Lookup("anthropic")
	if !ok {
		t.Fatal("expected anthropic to be registered")
	}
	if d.Name != "Anthropic" {
		t.Errorf("expected display name Anthropic, got %q", d.Name)
	}
	if !d.RequiresAPIKey {
		t.Error("expected anthropic to require an API key")
	}
	if !d.HasModel("claude-3-5-sonnet-20241022") {
		t.Error("expected claude-3-5-sonnet-20241022 in the anthropic catalog")
	}

	if _, ok := r.Lookup("mistral"); ok {
		t.Error("expected unknown provider lookup to fail")
	}
}

func TestValidate(t *testing.T) {
	r := New()

	tests := []struct {
		name     string
		provider string
		model    string
		wantErr  error
	}{
		{"valid pair", "openai", "gpt-4", nil},
		{"unknown provider", "mistral", "mistral-large", ErrUnknownProvider},
		{"model from another provider", "openai", "claude-3-opus-20240229", ErrUnknownModel},
		{"unknown model", "groq", "llama2-7b", ErrUnknownModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.provider, tt.model)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidationErrorsAreConfigurationErrors(t *testing.T) {
	r := New()

	err := r.Validate("nope", "nope")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %T", err)
	}
}

func TestAdapter(t *testing.T) {
	r := New()

	for _, d := range r.ListEnabled() {
		a, err := r.Adapter(d.ID)
		if err != nil {
			t.Fatalf("Adapter(%s) failed: %v", d.ID, err)
		}
		if a.ID() != d.ID {
			t.Errorf("adapter ID %s does not match descriptor %s", a.ID(), d.ID)
		}
	}

	if _, err := r.Adapter("mistral"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestSetEnabled(t *testing.T) {
	r := New()

	r.SetEnabled("groq", false)
	if err := r.Validate("groq", "llama3-70b-8192"); !errors.Is(err, ErrProviderDisabled) {
		t.Errorf("expected ErrProviderDisabled, got %v", err)
	}
	if _, err := r.Adapter("groq"); !errors.Is(err, ErrProviderDisabled) {
		t.Errorf("expected ErrProviderDisabled, got %v", err)
	}

	r.SetEnabled("groq", true)
	if err := r.Validate("groq", "llama3-70b-8192"); err != nil {
		t.Errorf("expected re-enabled provider to validate, got %v", err)
	}
}

func TestModelCatalogMetadata(t *testing.T) {
	r := New()

	google, ok := r.Lookup("google")
	if !ok {
		t.Fatal("expected google to be registered")
	}
	for _, m := range google.Models {
		if m.ContextLength != 1000000 {
			t.Errorf("model %s: expected 1M context window, got %d", m.ID, m.ContextLength)
		}
	}
}
