package config

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_GET_ENV", "value")
	if got := getEnv("TEST_GET_ENV", "fallback"); got != "value" {
		t.Errorf("got %q, want value", got)
	}
	if got := getEnv("TEST_GET_ENV_UNSET", "fallback"); got != "fallback" {
		t.Errorf("got %q, want fallback", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	cases := []struct {
		name     string
		envValue string
		set      bool
		fallback bool
		want     bool
	}{
		{"unset uses fallback true", "", false, true, true},
		{"unset uses fallback false", "", false, false, false},
		{"true", "true", true, false, true},
		{"TRUE case-insensitive", "TRUE", true, false, true},
		{"1", "1", true, false, true},
		{"false", "false", true, true, false},
		{"garbage treated as false", "nonsense", true, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.set {
				t.Setenv("TEST_GET_ENV_BOOL", tc.envValue)
			}
			if got := getEnvBool("TEST_GET_ENV_BOOL", tc.fallback); got != tc.want {
				t.Errorf("getEnvBool(%q fallback=%v) = %v, want %v", tc.envValue, tc.fallback, got, tc.want)
			}
		})
	}
}

func TestParseList(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "a.example", []string{"a.example"}},
		{"multiple with spaces", "a.example, b.example ,c.example", []string{"a.example", "b.example", "c.example"}},
		{"empty entries dropped", "a.example,,b.example", []string{"a.example", "b.example"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseList(tc.input)
			if len(got) != len(tc.want) {
				t.Fatalf("parseList(%q) = %v, want %v", tc.input, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("parseList(%q)[%d] = %q, want %q", tc.input, i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	if got := parseDuration("", 5*time.Second); got != 5*time.Second {
		t.Errorf("got %v, want fallback 5s", got)
	}
	if got := parseDuration("garbage", 5*time.Second); got != 5*time.Second {
		t.Errorf("got %v, want fallback 5s for unparseable input", got)
	}
	if got := parseDuration("10m", 5*time.Second); got != 10*time.Minute {
		t.Errorf("got %v, want 10m", got)
	}
}

func TestParseInt(t *testing.T) {
	if got := parseInt("", 4); got != 4 {
		t.Errorf("got %d, want fallback 4", got)
	}
	if got := parseInt("not-a-number", 4); got != 4 {
		t.Errorf("got %d, want fallback 4 for unparseable input", got)
	}
	if got := parseInt("16", 4); got != 16 {
		t.Errorf("got %d, want 16", got)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("HOSTNAME", "relay.example")
	t.Setenv("ADDR", "")
	t.Setenv("PORT", "")
	t.Setenv("API_TOKEN", "")

	cfg := Load()
	if cfg.Hostname != "relay.example" {
		t.Errorf("Hostname = %q, want relay.example", cfg.Hostname)
	}
	if cfg.Addr != "0.0.0.0" {
		t.Errorf("Addr = %q, want the 0.0.0.0 default", cfg.Addr)
	}
	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want the 8000 default", cfg.Port)
	}
	if !cfg.HTTPS {
		t.Error("HTTPS should default to true")
	}
	if !cfg.ValidateSignatures {
		t.Error("ValidateSignatures should default to true")
	}
	if cfg.SignatureThreads != 4 {
		t.Errorf("SignatureThreads = %d, want the default of 4", cfg.SignatureThreads)
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("HOSTNAME", "relay.example")
	t.Setenv("PORT", "9001")
	t.Setenv("HTTPS", "false")
	t.Setenv("RESTRICTED_MODE", "true")
	t.Setenv("LOCAL_DOMAINS", "a.example,b.example")
	t.Setenv("SIGNATURE_THREADS", "16")

	cfg := Load()
	if cfg.Port != "9001" {
		t.Errorf("Port = %q, want 9001", cfg.Port)
	}
	if cfg.HTTPS {
		t.Error("HTTPS should be false when HTTPS=false")
	}
	if !cfg.RestrictedMode {
		t.Error("RestrictedMode should be true when RESTRICTED_MODE=true")
	}
	if len(cfg.LocalDomains) != 2 {
		t.Errorf("LocalDomains = %v, want 2 entries", cfg.LocalDomains)
	}
	if cfg.SignatureThreads != 16 {
		t.Errorf("SignatureThreads = %d, want 16", cfg.SignatureThreads)
	}
}

func TestSchemeAndBaseURL(t *testing.T) {
	cfg := &Config{Hostname: "relay.example", HTTPS: true}
	if cfg.Scheme() != "https" {
		t.Errorf("Scheme() = %q, want https", cfg.Scheme())
	}
	if got := cfg.BaseURL("/actor"); got != "https://relay.example/actor" {
		t.Errorf("BaseURL(/actor) = %q", got)
	}
	if got := cfg.ActorIRI(); got != "https://relay.example/actor" {
		t.Errorf("ActorIRI() = %q", got)
	}

	cfg.HTTPS = false
	if cfg.Scheme() != "http" {
		t.Errorf("Scheme() = %q, want http", cfg.Scheme())
	}
}

func TestURLParses(t *testing.T) {
	cfg := &Config{Hostname: "relay.example", HTTPS: true}
	u := cfg.URL()
	if u == nil || u.Host != "relay.example" {
		t.Errorf("URL() = %v, want host relay.example", u)
	}
}
