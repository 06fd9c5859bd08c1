// Package config persists fluxgatectl profiles: which servers the CLI knows
// and how to authenticate against each.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is written into every saved file
const Version = "1"

// DefaultAPIPrefix matches the server's default server.api_prefix
const DefaultAPIPrefix = "/api/v1"

// Where a profile's token lives
const (
	StoreFile     = "file"
	StoreKeychain = "keychain"
)

// ErrNoProfile is returned when no profile was named and none is current
var ErrNoProfile = errors.New("no profile specified and no current profile set - run 'fluxgatectl auth login'")

// Config is the on-disk CLI state, ~/.fluxgate/config.yaml by default.
type Config struct {
	Version        string              `yaml:"version"`
	CurrentProfile string              `yaml:"current_profile"`
	Profiles       map[string]*Profile `yaml:"profiles"`
	Defaults       Defaults            `yaml:"defaults,omitempty"`
}

// Profile is one fluxgate server.
type Profile struct {
	Name string `yaml:"name"`
	// Server is the base URL, e.g. http://localhost:8080
	Server string `yaml:"server"`
	// APIPrefix empty means DefaultAPIPrefix
	APIPrefix       string       `yaml:"api_prefix,omitempty"`
	CredentialStore string       `yaml:"credential_store"`
	Credentials     *Credentials `yaml:"credentials,omitempty"` // only for StoreFile
}

// Credentials is a bearer token. ExpiresAt is a unix timestamp, 0 when the
// expiry is not known.
type Credentials struct {
	Token     string `yaml:"token,omitempty" json:"token,omitempty"`
	ExpiresAt int64  `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// Defaults apply when the matching global flag is not given.
type Defaults struct {
	Output    string `yaml:"output,omitempty"`
	NoHeaders bool   `yaml:"no_headers,omitempty"`
}

// DefaultConfigDir is ~/.fluxgate, or a relative .fluxgate when the home
// directory cannot be determined.
func DefaultConfigDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".fluxgate")
	}
	return ".fluxgate"
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// New returns an empty configuration
func New() *Config {
	return &Config{
		Version:  Version,
		Profiles: map[string]*Profile{},
		Defaults: Defaults{Output: "table"},
	}
}

// Load reads path, or the default path when empty. A missing file yields an
// error matching os.ErrNotExist.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("no config at %s - run 'fluxgatectl auth login' first: %w", path, err)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := New()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]*Profile{}
	}
	// Hand-edited files may omit the name field
	for name, p := range cfg.Profiles {
		if p.Name == "" {
			p.Name = name
		}
	}
	return cfg, nil
}

// LoadOrCreate is Load, with a missing file treated as an empty config
func LoadOrCreate(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	return cfg, err
}

// Save writes the file with owner-only permissions since it may hold tokens.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetProfile looks up name, falling back to the current profile.
func (c *Config) GetProfile(name string) (*Profile, error) {
	if name == "" {
		if c.CurrentProfile == "" {
			return nil, ErrNoProfile
		}
		name = c.CurrentProfile
	}

	if p, ok := c.Profiles[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("profile %q not found", name)
}

// SetProfile inserts or replaces profile by name
func (c *Config) SetProfile(profile *Profile) {
	if c.Profiles == nil {
		c.Profiles = map[string]*Profile{}
	}
	c.Profiles[profile.Name] = profile
}

// DeleteProfile removes name. Deleting the current profile makes the
// alphabetically first remaining one current.
func (c *Config) DeleteProfile(name string) error {
	if _, ok := c.Profiles[name]; !ok {
		return fmt.Errorf("profile %q not found", name)
	}
	delete(c.Profiles, name)

	if c.CurrentProfile != name {
		return nil
	}
	c.CurrentProfile = ""
	if names := c.ListProfiles(); len(names) > 0 {
		c.CurrentProfile = names[0]
	}
	return nil
}

// ListProfiles returns the profile names in sorted order
func (c *Config) ListProfiles() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BaseURL is the server joined with the API prefix
func (p *Profile) BaseURL() string {
	prefix := p.APIPrefix
	if prefix == "" {
		prefix = DefaultAPIPrefix
	}
	return strings.TrimSuffix(p.Server, "/") + "/" + strings.Trim(prefix, "/")
}

// HasCredentials reports whether a token is stored in the file
func (p *Profile) HasCredentials() bool {
	return p.Credentials != nil && p.Credentials.Token != ""
}

// IsTokenExpired is true only for a known expiry in the past
func (c *Credentials) IsTokenExpired() bool {
	if c == nil || c.ExpiresAt == 0 {
		return false
	}
	return time.Now().Unix() > c.ExpiresAt
}

// NormalizeServer defaults the scheme to https and drops trailing slashes
func NormalizeServer(server string) string {
	server = strings.TrimSpace(server)
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "https://" + server
	}
	return strings.TrimRight(server, "/")
}
