package main

import (
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	ac "github.com/linnemanlabs/argus/internal/cfg"
	"github.com/linnemanlabs/argus/internal/provider"
	"github.com/linnemanlabs/argus/internal/provider/bedrock"
	"github.com/linnemanlabs/argus/internal/provider/claude"
	"github.com/linnemanlabs/argus/internal/provider/openai"
	"github.com/linnemanlabs/argus/internal/provider/providerfile"
)

// newRegistry registers every backend type this build supports.
func newRegistry(L log.Logger) (*provider.Registry, error) {
	r := provider.NewRegistry(L)
	for t, ctor := range map[provider.Type]provider.Constructor{
		provider.TypeClaude:  claude.Constructor,
		provider.TypeBedrock: bedrock.Constructor,
		provider.TypeOpenAI:  openai.Constructor(provider.TypeOpenAI),
		provider.TypeOllama:  openai.Constructor(provider.TypeOllama),
	} {
		if err := r.Register(t, ctor); err != nil {
			return nil, fmt.Errorf("register provider %s: %w", t, err)
		}
	}
	return r, nil
}

// providersFromFlags builds the provider file used when no providers-file
// is configured. Only backends with enough settings to be usable are
// included.
func providersFromFlags(c *ac.Config) (*providerfile.File, error) {
	f := &providerfile.File{
		Default:   provider.Type(c.DefaultProvider),
		Providers: map[provider.Type]provider.Config{},
	}
	if c.ClaudeAPIKey != "" {
		f.Providers[provider.TypeClaude] = provider.Config{
			Model:       c.ClaudeModel,
			Credentials: provider.Credentials{APIKey: c.ClaudeAPIKey},
		}
	}
	if c.BedrockModel != "" {
		f.Providers[provider.TypeBedrock] = provider.Config{
			Model:       c.BedrockModel,
			Credentials: provider.Credentials{Region: c.BedrockRegion},
		}
	}
	if c.OpenAIModel != "" {
		f.Providers[provider.TypeOpenAI] = provider.Config{
			Endpoint:    c.OpenAIEndpoint,
			Model:       c.OpenAIModel,
			Credentials: provider.Credentials{APIKey: c.OpenAIAPIKey},
		}
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("provider flags: %w", err)
	}
	return f, nil
}
