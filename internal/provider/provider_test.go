package provider

import (
	"errors"
	"testing"
)

func env(vals map[string]string) func(string) string {
	return func(key string) string { return vals[key] }
}

func TestResolveQwen(t *testing.T) {
	p, err := Resolve("qwen", env(map[string]string{"QWEN_API_KEY": "sk-test"}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.DefaultModel != "qwen-turbo" || p.VisionModel != "qwen-vl-plus" || p.APIKey != "sk-test" {
		t.Errorf("provider = %+v", p)
	}

	if _, err := Resolve("qwen", env(nil)); err == nil {
		t.Error("missing QWEN_API_KEY should fail resolution")
	}
}

func TestResolveOpenAICompatAliases(t *testing.T) {
	vals := map[string]string{
		"OPENAI_COMPAT_API_KEY":  "sk-x",
		"OPENAI_COMPAT_BASE_URL": "http://localhost:8080/v1",
		"OPENAI_COMPAT_MODEL":    "local-llm",
	}
	for _, name := range []string{"openai_compat", "openai-compat", "openai", "OpenAI"} {
		p, err := Resolve(name, env(vals))
		if err != nil {
			t.Fatalf("Resolve(%q): %v", name, err)
		}
		if p.Name != "openai_compat" || p.BaseURL != "http://localhost:8080/v1" || p.DefaultModel != "local-llm" {
			t.Errorf("Resolve(%q) = %+v", name, p)
		}
	}

	p, err := Resolve("openai", env(map[string]string{"OPENAI_COMPAT_API_KEY": "sk-x"}))
	if err != nil {
		t.Fatalf("Resolve with defaults: %v", err)
	}
	if p.BaseURL != "https://api.openai.com/v1" || p.DefaultModel != "gpt-3.5-turbo" {
		t.Errorf("defaults = %+v", p)
	}
}

func TestResolveMock(t *testing.T) {
	p, err := Resolve("mock", env(nil))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !p.IsMock() {
		t.Errorf("mock provider not recognized: %+v", p)
	}
}

func TestResolveUnknown(t *testing.T) {
	if _, err := Resolve("grok9000", env(nil)); !errors.Is(err, ErrUnknown) {
		t.Errorf("Resolve = %v, want ErrUnknown", err)
	}
}

func TestModelFor(t *testing.T) {
	p := Provider{DefaultModel: "base", VisionModel: "vision"}

	if got := p.ModelFor("", false); got != "base" {
		t.Errorf("text request model = %q", got)
	}
	if got := p.ModelFor("", true); got != "vision" {
		t.Errorf("image request model = %q", got)
	}
	if got := p.ModelFor("custom", true); got != "custom" {
		t.Errorf("override model = %q", got)
	}

	noVision := Provider{DefaultModel: "base"}
	if got := noVision.ModelFor("", true); got != "base" {
		t.Errorf("no-vision provider model = %q", got)
	}
}
