// Package ai adapts configured AI integrations to invokable chat models.
// Each integration names an iris provider plus credentials; credentials may
// carry cfg:<key> indirections resolved at build time.
package ai

import (
	"context"
	"errors"
	"fmt"

	iriscore "github.com/petal-labs/iris/core"
	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/lowkit/lowkit/appconfig"
)

var (
	ErrMissingProvider    = errors.New("integration settings missing provider")
	ErrMissingModel       = errors.New("integration settings missing model")
	ErrUnknownIntegration = errors.New("unknown ai integration")
)

// ConnectionInfo is the resolved configuration of one AI integration.
type ConnectionInfo struct {
	Provider     string
	APIKey       string
	Model        string
	Instructions string
}

// ExtractConnectionInfo resolves cfg: indirections in the integration
// settings and validates the fields a provider needs. Resolution failures
// are hard errors so an adapter is never built with an empty credential.
func ExtractConnectionInfo(settings map[string]string, lookup appconfig.Lookup) (ConnectionInfo, error) {
	resolved, err := appconfig.Resolve(settings, lookup)
	if err != nil {
		return ConnectionInfo{}, err
	}
	info := ConnectionInfo{
		Provider:     resolved["provider"],
		APIKey:       resolved["api_key"],
		Model:        resolved["model"],
		Instructions: resolved["instructions"],
	}
	if info.Provider == "" {
		return ConnectionInfo{}, ErrMissingProvider
	}
	if info.Model == "" {
		return ConnectionInfo{}, ErrMissingModel
	}
	return info, nil
}

// Model is an invokable chat model bound to resolved credentials.
type Model struct {
	provider     iriscore.Provider
	model        iriscore.ModelID
	instructions string
	tools        []iriscore.Tool
}

// CreateModel builds a bare chat model from resolved connection info.
func CreateModel(info ConnectionInfo) (*Model, error) {
	provider, err := providers.Create(info.Provider, info.APIKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", info.Provider, err)
	}
	return &Model{
		provider:     provider,
		model:        iriscore.ModelID(info.Model),
		instructions: info.Instructions,
	}, nil
}

// CreateAgent builds a chat model with the given tools attached to every
// request.
func CreateAgent(info ConnectionInfo, tools []iriscore.Tool) (*Model, error) {
	m, err := CreateModel(info)
	if err != nil {
		return nil, err
	}
	m.tools = tools
	return m, nil
}

// ProviderID reports the underlying provider's identifier.
func (m *Model) ProviderID() string {
	return m.provider.ID()
}

// Complete sends one user prompt and returns the model's text output.
func (m *Model) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := m.Chat(ctx, []iriscore.Message{
		{Role: iriscore.RoleUser, Content: prompt},
	})
	if err != nil {
		return "", err
	}
	return resp.Output, nil
}

// Chat sends a full message history through the provider.
func (m *Model) Chat(ctx context.Context, messages []iriscore.Message) (*iriscore.ChatResponse, error) {
	req := &iriscore.ChatRequest{
		Model:    m.model,
		Messages: messages,
	}
	if m.instructions != "" {
		req.Instructions = m.instructions
	}
	if len(m.tools) > 0 {
		req.Tools = m.tools
	}
	resp, err := m.provider.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("provider chat failed: %w", err)
	}
	return resp, nil
}

// TestConnection performs one minimal live completion against the provider.
// A single-token request keeps the probe cheap.
func TestConnection(ctx context.Context, settings map[string]string, lookup appconfig.Lookup) bool {
	info, err := ExtractConnectionInfo(settings, lookup)
	if err != nil {
		return false
	}
	m, err := CreateModel(info)
	if err != nil {
		return false
	}
	maxTokens := 1
	req := &iriscore.ChatRequest{
		Model: m.model,
		Messages: []iriscore.Message{
			{Role: iriscore.RoleUser, Content: "ping"},
		},
		MaxTokens: &maxTokens,
	}
	_, err = m.provider.Chat(ctx, req)
	return err == nil
}
