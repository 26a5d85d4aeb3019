// Package server hosts the HTTP surface of the platform: the agent turn
// and admin endpoints, auth, the MCP federation endpoint, and file
// transfer. Configuration is a single YAML document; role and user CRUD
// rewrites it in place while preserving fields the server does not
// manage.
package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	wick "github.com/wicklab/wick"
)

// DownstreamCfg names one downstream MCP server.
type DownstreamCfg struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// AuthConfig configures JWT auth and optional OIDC login.
type AuthConfig struct {
	Enabled     bool        `yaml:"enabled"`
	JWTSecret   string      `yaml:"jwt_secret"`
	TokenExpiry string      `yaml:"token_expiry"`
	ResourceURL string      `yaml:"resource_url"`
	OIDC        *OIDCConfig `yaml:"oidc,omitempty"`
}

// OIDCConfig configures an OpenID Connect provider for browser login.
type OIDCConfig struct {
	ProviderURL  string   `yaml:"provider_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	DefaultRole  string   `yaml:"default_role"`
}

// RoleConfig is the tool pattern list of one role.
type RoleConfig struct {
	Tools []string `yaml:"tools" json:"tools"`
}

// UserConfig is one local user entry.
type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

// OAuthClientConfig is one machine client for the client_credentials
// grant.
type OAuthClientConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Role         string `yaml:"role"`
}

// Config is the server's YAML configuration document.
type Config struct {
	Listen       string                       `yaml:"listen"`
	Auth         AuthConfig                   `yaml:"auth"`
	Roles        map[string]RoleConfig        `yaml:"roles"`
	Users        []UserConfig                 `yaml:"users"`
	OAuthClients []OAuthClientConfig          `yaml:"oauth_clients"`
	Downstream   []DownstreamCfg              `yaml:"downstream"`
	Agents       map[string]*wick.AgentConfig `yaml:"agents"`
}

// LoadConfig reads and validates a config file, applying defaults and the
// WICK_* environment overrides used for container networking.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Auth.Enabled {
		if err := validateAuth(&cfg); err != nil {
			return nil, fmt.Errorf("auth config: %w", err)
		}
	}

	// WICK_DOWNSTREAM_<NAME>_URL overrides the URL of the named downstream.
	for i := range cfg.Downstream {
		envKey := "WICK_DOWNSTREAM_" + strings.ToUpper(cfg.Downstream[i].Name) + "_URL"
		if v := os.Getenv(envKey); v != "" {
			cfg.Downstream[i].URL = v
		}
	}
	if v := os.Getenv("WICK_AUTH_RESOURCE_URL"); v != "" {
		cfg.Auth.ResourceURL = v
	}

	return &cfg, nil
}

func validateAuth(cfg *Config) error {
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required when auth is enabled")
	}
	if cfg.Auth.TokenExpiry == "" {
		cfg.Auth.TokenExpiry = "24h"
	}
	if _, err := time.ParseDuration(cfg.Auth.TokenExpiry); err != nil {
		return fmt.Errorf("invalid token_expiry %q: %w", cfg.Auth.TokenExpiry, err)
	}
	if oidc := cfg.Auth.OIDC; oidc != nil && oidc.ProviderURL != "" {
		if oidc.ClientID == "" {
			return fmt.Errorf("oidc.client_id is required when provider_url is set")
		}
		if oidc.ClientSecret == "" {
			return fmt.Errorf("oidc.client_secret is required when provider_url is set")
		}
		if oidc.RedirectURL == "" {
			return fmt.Errorf("oidc.redirect_url is required when provider_url is set")
		}
		if oidc.DefaultRole == "" {
			oidc.DefaultRole = "viewer"
		}
		if len(oidc.Scopes) == 0 {
			oidc.Scopes = []string{"openid", "profile", "email"}
		}
	}
	for _, u := range cfg.Users {
		if u.Username == "" {
			return fmt.Errorf("user entry has empty username")
		}
		if u.PasswordHash == "" {
			return fmt.Errorf("user %q has empty password_hash", u.Username)
		}
		if u.Role == "" {
			return fmt.Errorf("user %q has empty role", u.Username)
		}
		if _, ok := cfg.Roles[u.Role]; !ok {
			return fmt.Errorf("user %q references undefined role %q", u.Username, u.Role)
		}
	}
	for _, oc := range cfg.OAuthClients {
		if oc.ClientID == "" {
			return fmt.Errorf("oauth_client entry has empty client_id")
		}
		if oc.ClientSecret == "" {
			return fmt.Errorf("oauth_client %q has empty client_secret", oc.ClientID)
		}
		if oc.Role == "" {
			return fmt.Errorf("oauth_client %q has empty role", oc.ClientID)
		}
		if _, ok := cfg.Roles[oc.Role]; !ok {
			return fmt.Errorf("oauth_client %q references undefined role %q", oc.ClientID, oc.Role)
		}
	}
	if cfg.Auth.ResourceURL == "" {
		cfg.Auth.ResourceURL = "http://localhost" + cfg.Listen
	}
	return nil
}

// SaveConfig rewrites the managed sections (roles, users, oauth_clients)
// of the config file from cfg, preserving every other key as the file has
// it, including keys the Config struct does not know about. When the file
// does not exist yet the whole document is written from cfg.
func SaveConfig(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		data, merr := yaml.Marshal(cfg)
		if merr != nil {
			return fmt.Errorf("marshal config: %w", merr)
		}
		return writeConfig(path, data)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse existing config: %w", err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("existing config is not a mapping")
	}

	if err := setMappingValue(root, "roles", cfg.Roles); err != nil {
		return err
	}
	if err := setMappingValue(root, "users", cfg.Users); err != nil {
		return err
	}
	if err := setMappingValue(root, "oauth_clients", cfg.OAuthClients); err != nil {
		return err
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeConfig(path, data)
}

// setMappingValue replaces the value node for key in a YAML mapping,
// appending the pair when the key is absent.
func setMappingValue(mapping *yaml.Node, key string, value any) error {
	var v yaml.Node
	if err := v.Encode(value); err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = &v
			return nil
		}
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, &v)
	return nil
}

func writeConfig(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
