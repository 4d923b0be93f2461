// Package config loads gateway configuration from environment variables and
// writes the resolved values to config.json on first run, mirroring the
// env-vars-to-config.json flow the south-side server performs at startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds the gateway's runtime configuration.
type Config struct {
	// DatabaseURL is the PostgreSQL DSN backing the Account Store and Quota Ledger.
	DatabaseURL string `envconfig:"DATABASE_URL" default:"postgres://localhost:5432/dispatchcore?sslmode=disable"`

	// AdminAPIKey authorizes account-management operations (out-of-scope HTTP layer honors this).
	AdminAPIKey string `envconfig:"ADMIN_API_KEY"`

	// OAuthCallbackURL is where provider OAuth redirects land (handled by the
	// out-of-scope AntiHook helper; the Token Manager only needs the value
	// for constructing authorize URLs during interactive login flows).
	OAuthCallbackURL string `envconfig:"OAUTH_CALLBACK_URL" default:"http://localhost:42532/oauth-callback"`

	// RequestTimeoutSeconds bounds every upstream HTTP call (§5: 10 minutes).
	RequestTimeoutSeconds int `envconfig:"REQUEST_TIMEOUT_SECONDS" default:"600"`

	// QuotaStaleAfterSeconds is the cached-quota age that triggers a background refresh.
	QuotaStaleAfterSeconds int `envconfig:"QUOTA_STALE_AFTER_SECONDS" default:"300"`

	// TokenRefreshSkewSeconds is the safety margin before expiry that forces a refresh.
	TokenRefreshSkewSeconds int `envconfig:"TOKEN_REFRESH_SKEW_SECONDS" default:"60"`

	// MaxQuotaSwaps bounds 429-triggered account swaps per request.
	MaxQuotaSwaps int `envconfig:"MAX_QUOTA_SWAPS" default:"5"`

	// QuotaRefreshWorkers bounds concurrent background models-list refreshes.
	QuotaRefreshWorkers int `envconfig:"QUOTA_REFRESH_WORKERS" default:"4"`

	// ProxyURL is an optional outbound HTTP/SOCKS proxy shared by all upstream clients.
	ProxyURL string `envconfig:"PROXY_URL"`

	// LogLevel controls logrus verbosity ("debug", "info", "warn", "error").
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Endpoints holds the ordered (endpoint × provider) fallback list, loaded
	// from a YAML file since it is naturally hierarchical (§3 API Endpoint).
	EndpointsFile string `envconfig:"ENDPOINTS_FILE" default:"endpoints.yaml"`

	Endpoints EndpointSet `envconfig:"-"`
}

// Endpoint describes one interchangeable upstream base URL for a provider.
type Endpoint struct {
	Host                string `yaml:"host"`
	BaseURL             string `yaml:"base_url"`
	GenerateContentPath string `yaml:"generate_content_path"`
	StreamGeneratePath  string `yaml:"stream_generate_path"`
	ModelsListPath      string `yaml:"models_list_path"`
}

// EndpointSet maps a provider name to its preference-ordered endpoint list.
type EndpointSet map[string][]Endpoint

// Load reads configuration from environment variables, loads the endpoint
// list from YAML if present, and persists the resolved config to config.json.
func Load(configJSONPath string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: process environment: %w", err)
	}

	endpoints, err := loadEndpoints(cfg.EndpointsFile)
	if err != nil {
		return nil, err
	}
	cfg.Endpoints = endpoints

	if configJSONPath != "" {
		if err := writeConfigJSON(configJSONPath, &cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func loadEndpoints(path string) (EndpointSet, error) {
	if path == "" {
		return defaultEndpoints(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultEndpoints(), nil
		}
		return nil, fmt.Errorf("config: read endpoints file %s: %w", path, err)
	}
	var set EndpointSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("config: parse endpoints file %s: %w", path, err)
	}
	if len(set) == 0 {
		return defaultEndpoints(), nil
	}
	return set, nil
}

// defaultEndpoints returns the built-in single-endpoint fallback per provider,
// used when no endpoints.yaml is present (e.g. in tests).
//
// Kiro's BaseURL carries a "%s" region placeholder: the Amazon Q endpoint
// works in every AWS region, while the legacy CodeWhisperer endpoint only
// exists in us-east-1 and is kept second as a fallback for accounts still
// issued against it.
func defaultEndpoints() EndpointSet {
	return EndpointSet{
		"antigravity": {{
			Host:                "daily-cloudcode-pa.googleapis.com",
			BaseURL:             "https://daily-cloudcode-pa.googleapis.com",
			GenerateContentPath: "/v1internal:generateContent",
			StreamGeneratePath:  "/v1internal:streamGenerateContent",
			ModelsListPath:      "/v1internal:fetchAvailableModels",
		}},
		"kiro": {
			{
				Host:                "q.%s.amazonaws.com",
				BaseURL:             "https://q.%s.amazonaws.com",
				GenerateContentPath: "/generateAssistantResponse",
			},
			{
				Host:                "codewhisperer.%s.amazonaws.com",
				BaseURL:             "https://codewhisperer.%s.amazonaws.com",
				GenerateContentPath: "/generateAssistantResponse",
			},
		},
		// Qwen has no endpoint dimension — its base URL is the account's own
		// resource_url, resolved in dispatch.Engine.endpointsFor — so this
		// entry is never read on the request path. It exists only so
		// operators listing configured providers see all three uniformly.
		"qwen": {{
			Host:    "portal.qwen.ai",
			BaseURL: "https://portal.qwen.ai",
		}},
	}
}

// writeConfigJSON persists the resolved configuration so operators can inspect
// what the process actually booted with, the same first-run artifact the
// south-side server produces from its own environment variables.
func writeConfigJSON(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && filepath.Dir(path) != "." {
		return fmt.Errorf("config: create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal config.json: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write config.json: %w", err)
	}
	return nil
}
