// Package provider is the static lookup table of chat-completion backends.
package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Mock is the provider that streams the prompt back without any network
// call. It needs no API key and exists for tests and offline demos.
const Mock = "mock"

// ErrUnknown is returned for provider names outside the table.
var ErrUnknown = errors.New("unknown provider")

// Provider describes one OpenAI-compatible backend.
type Provider struct {
	Name         string
	BaseURL      string
	DefaultModel string
	// VisionModel, when set, replaces DefaultModel for requests that carry
	// image attachments.
	VisionModel string
	APIKey      string
}

// Mock reports whether this provider is served locally by the relay.
func (p Provider) IsMock() bool { return p.Name == Mock }

// ModelFor picks the model for a request: an explicit override wins, then
// the vision model when images are present, then the default.
func (p Provider) ModelFor(override string, hasImages bool) string {
	if override != "" {
		return override
	}
	if hasImages && p.VisionModel != "" {
		return p.VisionModel
	}
	return p.DefaultModel
}

// Resolve maps a provider name to its configuration, reading API keys
// through getenv. Resolution fails fast when a required key is missing so
// the error surfaces before any upstream call is attempted.
func Resolve(name string, getenv func(string) string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "qwen":
		key := getenv("QWEN_API_KEY")
		if key == "" {
			return Provider{}, errors.New("QWEN_API_KEY is required for the qwen provider")
		}
		return Provider{
			Name:         "qwen",
			BaseURL:      "https://dashscope.aliyuncs.com/compatible-mode/v1",
			DefaultModel: "qwen-turbo",
			VisionModel:  "qwen-vl-plus",
			APIKey:       key,
		}, nil

	case "openai_compat", "openai-compat", "openai":
		key := getenv("OPENAI_COMPAT_API_KEY")
		if key == "" {
			return Provider{}, errors.New("OPENAI_COMPAT_API_KEY is required for the openai_compat provider")
		}
		baseURL := getenv("OPENAI_COMPAT_BASE_URL")
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		model := getenv("OPENAI_COMPAT_MODEL")
		if model == "" {
			model = "gpt-3.5-turbo"
		}
		return Provider{
			Name:         "openai_compat",
			BaseURL:      baseURL,
			DefaultModel: model,
			APIKey:       key,
		}, nil

	case Mock:
		return Provider{Name: Mock, DefaultModel: Mock}, nil
	}

	return Provider{}, fmt.Errorf("%w: %q", ErrUnknown, name)
}
