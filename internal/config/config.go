// Package config loads the relay's runtime configuration from environment
// variables into a flat Config struct via a set of getEnv* helpers.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Hostname  string // HOSTNAME
	Addr      string // ADDR
	Port      string // PORT
	HTTPS     bool   // HTTPS
	PrettyLog bool   // PRETTY_LOG
	Debug     bool   // DEBUG

	PublishBlocks      bool // PUBLISH_BLOCKS
	RestrictedMode     bool // RESTRICTED_MODE — allow-list policy when true, block-list otherwise
	ValidateSignatures bool // VALIDATE_SIGNATURES

	StorageURL string // SLED_PATH (repurposed as the storage DSN: sqlite path or postgres URL)
	APIToken   string // API_TOKEN — admin API bearer token, bcrypt-hashed once at startup

	OpenTelemetryURL    string // OPENTELEMETRY_URL
	TelegramToken       string // TELEGRAM_TOKEN
	TelegramAdminHandle string // TELEGRAM_ADMIN_HANDLE

	TLSKey  string // TLS_KEY
	TLSCert string // TLS_CERT

	FooterBlurb  string   // FOOTER_BLURB
	LocalDomains []string // LOCAL_DOMAINS
	LocalBlurb   string   // LOCAL_BLURB

	PrometheusAddr string // PROMETHEUS_ADDR

	ClientTimeout    time.Duration // CLIENT_TIMEOUT
	SignatureThreads int           // SIGNATURE_THREADS

	// LastOnlineFlushInterval controls how often FlushLastOnlineJob drains
	// the in-memory last-seen tracker to storage.
	LastOnlineFlushInterval time.Duration // LAST_ONLINE_FLUSH_INTERVAL
}

// Load reads configuration from environment variables, applying the
// defaults documented alongside each field above.
func Load() *Config {
	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		fmt.Fprintln(os.Stderr, "ERROR: HOSTNAME is not set!")
		fmt.Fprintln(os.Stderr, "Set it to the domain this relay is reachable at, e.g. relay.example.")
		os.Exit(1)
	}

	return &Config{
		Hostname:  hostname,
		Addr:      getEnv("ADDR", "0.0.0.0"),
		Port:      getEnv("PORT", "8000"),
		HTTPS:     getEnvBool("HTTPS", true),
		PrettyLog: getEnvBool("PRETTY_LOG", false),
		Debug:     getEnvBool("DEBUG", false),

		PublishBlocks:      getEnvBool("PUBLISH_BLOCKS", false),
		RestrictedMode:     getEnvBool("RESTRICTED_MODE", false),
		ValidateSignatures: getEnvBool("VALIDATE_SIGNATURES", true),

		StorageURL: getEnv("SLED_PATH", "relaybridge.db"),
		APIToken:   os.Getenv("API_TOKEN"),

		OpenTelemetryURL:    os.Getenv("OPENTELEMETRY_URL"),
		TelegramToken:       os.Getenv("TELEGRAM_TOKEN"),
		TelegramAdminHandle: os.Getenv("TELEGRAM_ADMIN_HANDLE"),

		TLSKey:  os.Getenv("TLS_KEY"),
		TLSCert: os.Getenv("TLS_CERT"),

		FooterBlurb:  os.Getenv("FOOTER_BLURB"),
		LocalDomains: parseList(os.Getenv("LOCAL_DOMAINS")),
		LocalBlurb:   os.Getenv("LOCAL_BLURB"),

		PrometheusAddr: os.Getenv("PROMETHEUS_ADDR"),

		ClientTimeout:    parseDuration(os.Getenv("CLIENT_TIMEOUT"), 10*time.Second),
		SignatureThreads: parseInt(os.Getenv("SIGNATURE_THREADS"), 4),

		LastOnlineFlushInterval: parseDuration(os.Getenv("LAST_ONLINE_FLUSH_INTERVAL"), 5*time.Minute),
	}
}

// Scheme returns "https" or "http" depending on the HTTPS flag.
func (c *Config) Scheme() string {
	if c.HTTPS {
		return "https"
	}
	return "http"
}

// BaseURL constructs an absolute URL under the relay's own hostname.
func (c *Config) BaseURL(path string) string {
	return c.Scheme() + "://" + c.Hostname + strings.TrimRight("/"+strings.TrimLeft(path, "/"), "/")
}

// ActorIRI is the relay's own actor document URL.
func (c *Config) ActorIRI() string {
	return c.BaseURL("/actor")
}

// URL returns the relay's base URL as a parsed *url.URL.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.BaseURL("/"))
	return u
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvBool returns fallback when unset, else true for "true"/"1"
// (case-insensitive) and false for anything else.
func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	v = strings.ToLower(v)
	return v == "true" || v == "1"
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}
