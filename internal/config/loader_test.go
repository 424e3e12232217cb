package config

import "testing"

func TestFirstNonEmpty(t *testing.T) {
	if v := firstNonEmpty("", "foo", "bar"); v != "foo" {
		t.Fatalf("expected 'foo', got %q", v)
	}
	if v := firstNonEmpty(); v != "" {
		t.Fatalf("expected empty, got %q", v)
	}
}

func TestParseInt(t *testing.T) {
	if n, err := parseInt(" 42 "); err != nil || n != 42 {
		t.Fatalf("expected 42, got %d (err=%v)", n, err)
	}
	if _, err := parseInt("notanint"); err == nil {
		t.Fatalf("expected error for invalid int")
	}
}

func TestValidateRequiresPersonaAndKeys(t *testing.T) {
	cfg := Config{
		DatabaseURL:     "postgres://x",
		RedisURL:        "redis://x",
		MinPrefixTokens: 1024,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing persona path")
	}
	cfg.PersonaPath = "/tmp/persona.txt"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing API keys")
	}
	cfg.LLM.Stage1.APIKey = "a"
	cfg.LLM.Stage2.APIKey = "b"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
