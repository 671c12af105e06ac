// Package secrets stores broker credentials in HashiCorp Vault with an
// in-memory cache and an env-var fallback when Vault is disabled.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Credentials are the broker API credentials for one venue.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Venue     string `json:"venue"`
	Paper     bool   `json:"paper"`
}

// Config holds Vault connection settings.
type Config struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// Store reads and writes broker credentials. With Vault disabled it falls back
// to environment variables (<VENUE>_API_KEY / <VENUE>_SECRET_KEY) and keeps
// writes in memory only.
type Store struct {
	client *api.Client
	config Config
	mu     sync.RWMutex
	cache  map[string]*Credentials
}

// NewStore creates a credentials store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	s := &Store{
		config: cfg,
		cache:  make(map[string]*Credentials),
	}
	if !cfg.Enabled {
		return s, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	s.client = client
	return s, nil
}

// Put stores credentials for a venue.
func (s *Store) Put(ctx context.Context, creds Credentials) error {
	key := s.cacheKey(creds.Venue, creds.Paper)

	if !s.config.Enabled {
		s.mu.Lock()
		s.cache[key] = &creds
		s.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
			"venue":      creds.Venue,
			"paper":      creds.Paper,
		},
	}

	if _, err := s.client.Logical().WriteWithContext(ctx, s.secretPath(creds.Venue, creds.Paper), secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	s.mu.Lock()
	s.cache[key] = &creds
	s.mu.Unlock()
	return nil
}

// Get retrieves credentials for a venue, consulting the cache first, then
// Vault, then the environment.
func (s *Store) Get(ctx context.Context, venue string, paper bool) (*Credentials, error) {
	key := s.cacheKey(venue, paper)

	s.mu.RLock()
	if cached, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		cp := *cached
		return &cp, nil
	}
	s.mu.RUnlock()

	if !s.config.Enabled {
		return s.fromEnv(venue, paper)
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, s.secretPath(venue, paper))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return s.fromEnv(venue, paper)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected vault secret format for %s", venue)
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		Venue:     venue,
		Paper:     paper,
	}
	if creds.APIKey == "" {
		return nil, fmt.Errorf("no credentials stored for %s", venue)
	}

	s.mu.Lock()
	s.cache[key] = creds
	s.mu.Unlock()
	cp := *creds
	return &cp, nil
}

// Delete removes credentials for a venue.
func (s *Store) Delete(ctx context.Context, venue string, paper bool) error {
	s.mu.Lock()
	delete(s.cache, s.cacheKey(venue, paper))
	s.mu.Unlock()

	if !s.config.Enabled {
		return nil
	}
	if _, err := s.client.Logical().DeleteWithContext(ctx, s.secretPath(venue, paper)); err != nil {
		return fmt.Errorf("failed to delete credentials from vault: %w", err)
	}
	return nil
}

// ClearCache drops all cached credentials.
func (s *Store) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]*Credentials)
	s.mu.Unlock()
}

// Health verifies Vault is reachable and unsealed. Always healthy when Vault
// is disabled.
func (s *Store) Health(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}
	health, err := s.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (s *Store) fromEnv(venue string, paper bool) (*Credentials, error) {
	prefix := strings.ToUpper(venue)
	if paper {
		prefix += "_PAPER"
	}
	apiKey := os.Getenv(prefix + "_API_KEY")
	secretKey := os.Getenv(prefix + "_SECRET_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("no credentials for %s: vault disabled and %s_API_KEY unset", venue, prefix)
	}
	return &Credentials{APIKey: apiKey, SecretKey: secretKey, Venue: venue, Paper: paper}, nil
}

func (s *Store) secretPath(venue string, paper bool) string {
	mode := "live"
	if paper {
		mode = "paper"
	}
	return fmt.Sprintf("%s/data/brokers/%s/%s", s.config.MountPath, strings.ToLower(venue), mode)
}

func (s *Store) cacheKey(venue string, paper bool) string {
	return fmt.Sprintf("%s:%t", strings.ToLower(venue), paper)
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
