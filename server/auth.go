package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const userContextKey contextKey = 0

// User is an authenticated principal: a local user, an OAuth client, or
// an OIDC login.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         string `json:"role"`
	Enabled      bool   `json:"enabled"`
	Source       string `json:"source"` // "local", "oidc", or "oauth_client"
}

type oidcDiscoveryDoc struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JwksURI               string `json:"jwks_uri"`
}

// Auth manages credentials, JWT tokens, and the role table. Role and
// user mutations persist back to the config file.
type Auth struct {
	cfg        AuthConfig
	configPath string
	jwtSecret  []byte
	expiry     time.Duration
	log        *slog.Logger

	mu           sync.RWMutex
	roles        map[string]RoleConfig
	users        map[string]*User
	oauthClients map[string]*OAuthClientConfig

	oidcMu        sync.Mutex
	oidcDiscovery *oidcDiscoveryDoc
	oidcStates    map[string]time.Time

	// OnChange fires after any role or user mutation, outside the lock.
	OnChange func()
}

// NewAuth builds the auth service from config. configPath may be empty to
// disable persistence (tests).
func NewAuth(cfg *Config, configPath string, log *slog.Logger) (*Auth, error) {
	expiry, err := time.ParseDuration(cfg.Auth.TokenExpiry)
	if err != nil {
		return nil, fmt.Errorf("invalid token_expiry: %w", err)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	a := &Auth{
		cfg:          cfg.Auth,
		configPath:   configPath,
		jwtSecret:    []byte(cfg.Auth.JWTSecret),
		expiry:       expiry,
		log:          log,
		roles:        map[string]RoleConfig{},
		users:        map[string]*User{},
		oauthClients: map[string]*OAuthClientConfig{},
		oidcStates:   map[string]time.Time{},
	}
	for name, rc := range cfg.Roles {
		a.roles[name] = RoleConfig{Tools: append([]string(nil), rc.Tools...)}
	}
	for _, u := range cfg.Users {
		a.users[u.Username] = &User{
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Role:         u.Role,
			Enabled:      true,
			Source:       "local",
		}
	}
	for i := range cfg.OAuthClients {
		oc := cfg.OAuthClients[i]
		a.oauthClients[oc.ClientID] = &oc
	}
	return a, nil
}

func (a *Auth) notifyChange() {
	if a.OnChange != nil {
		a.OnChange()
	}
}

// persist rewrites the config file with the current roles, users, and
// oauth clients, keeping every unmanaged field as the file has it.
// Called with a.mu held.
func (a *Auth) persist() error {
	if a.configPath == "" {
		return nil
	}

	rolesCopy := make(map[string]RoleConfig, len(a.roles))
	for name, rc := range a.roles {
		rolesCopy[name] = RoleConfig{Tools: append([]string(nil), rc.Tools...)}
	}
	usersCopy := make([]UserConfig, 0, len(a.users))
	for _, u := range a.users {
		if u.Source == "oidc" {
			continue
		}
		usersCopy = append(usersCopy, UserConfig{
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Role:         u.Role,
		})
	}
	oauthCopy := make([]OAuthClientConfig, 0, len(a.oauthClients))
	for _, oc := range a.oauthClients {
		oauthCopy = append(oauthCopy, *oc)
	}

	existing, err := LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("reading existing config for merge: %w", err)
	}
	existing.Roles = rolesCopy
	existing.Users = usersCopy
	existing.OAuthClients = oauthCopy
	return SaveConfig(a.configPath, existing)
}

// VerifyPassword checks a username/password pair.
func (a *Auth) VerifyPassword(username, password string) (*User, error) {
	a.mu.RLock()
	user, ok := a.users[username]
	a.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("user not found")
	}
	if !user.Enabled {
		return nil, fmt.Errorf("user is disabled")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid password")
	}
	return user, nil
}

// VerifyClientCredentials checks an OAuth client_id/client_secret pair
// and returns a synthetic user carrying the client's role.
func (a *Auth) VerifyClientCredentials(clientID, clientSecret string) (*User, error) {
	a.mu.RLock()
	oc, ok := a.oauthClients[clientID]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown client_id")
	}
	if oc.ClientSecret != clientSecret {
		return nil, fmt.Errorf("invalid client_secret")
	}
	return &User{
		Username: "oauth:" + clientID,
		Role:     oc.Role,
		Enabled:  true,
		Source:   "oauth_client",
	}, nil
}

// ExpirySeconds returns the token lifetime in whole seconds.
func (a *Auth) ExpirySeconds() int { return int(a.expiry.Seconds()) }

// GenerateToken signs a JWT for a user.
func (a *Auth) GenerateToken(user *User) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  user.Username,
		"role": user.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(a.expiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

// ValidateToken parses a JWT and resolves the user it names.
func (a *Auth) ValidateToken(tokenStr string) (*User, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	username, ok := claims["sub"].(string)
	if !ok || username == "" {
		return nil, fmt.Errorf("missing sub claim")
	}

	a.mu.RLock()
	user, exists := a.users[username]
	a.mu.RUnlock()

	if !exists {
		if clientID, found := strings.CutPrefix(username, "oauth:"); found {
			a.mu.RLock()
			oc, ok := a.oauthClients[clientID]
			a.mu.RUnlock()
			if ok {
				return &User{
					Username: username,
					Role:     oc.Role,
					Enabled:  true,
					Source:   "oauth_client",
				}, nil
			}
		}
		return nil, fmt.Errorf("user %q no longer exists", username)
	}
	if !user.Enabled {
		return nil, fmt.Errorf("user %q is disabled", username)
	}
	return user, nil
}

// RolePatterns returns a copy of a role's tool patterns.
func (a *Auth) RolePatterns(roleName string) ([]string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	role, ok := a.roles[roleName]
	if !ok {
		return nil, false
	}
	return append([]string(nil), role.Tools...), true
}

// ListRoles returns a deep copy of the role table.
func (a *Auth) ListRoles() map[string]RoleConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]RoleConfig, len(a.roles))
	for name, rc := range a.roles {
		out[name] = RoleConfig{Tools: append([]string(nil), rc.Tools...)}
	}
	return out
}

// CreateRole adds a role.
func (a *Auth) CreateRole(name string, tools []string) error {
	a.mu.Lock()
	if _, exists := a.roles[name]; exists {
		a.mu.Unlock()
		return fmt.Errorf("role %q already exists", name)
	}
	a.roles[name] = RoleConfig{Tools: tools}
	if err := a.persist(); err != nil {
		a.log.Warn("role created in memory but failed to persist", "role", name, "err", err)
	}
	a.mu.Unlock()
	a.notifyChange()
	return nil
}

// UpdateRole replaces a role's tool list.
func (a *Auth) UpdateRole(name string, tools []string) error {
	a.mu.Lock()
	if _, exists := a.roles[name]; !exists {
		a.mu.Unlock()
		return fmt.Errorf("role %q does not exist", name)
	}
	a.roles[name] = RoleConfig{Tools: tools}
	if err := a.persist(); err != nil {
		a.log.Warn("role updated in memory but failed to persist", "role", name, "err", err)
	}
	a.mu.Unlock()
	a.notifyChange()
	return nil
}

// DeleteRole removes a role unless a user still references it.
func (a *Auth) DeleteRole(name string) error {
	a.mu.Lock()
	if _, exists := a.roles[name]; !exists {
		a.mu.Unlock()
		return fmt.Errorf("role %q does not exist", name)
	}
	for _, u := range a.users {
		if u.Role == name {
			a.mu.Unlock()
			return fmt.Errorf("cannot delete role %q: user %q is assigned to it", name, u.Username)
		}
	}
	delete(a.roles, name)
	if err := a.persist(); err != nil {
		a.log.Warn("role deleted in memory but failed to persist", "role", name, "err", err)
	}
	a.mu.Unlock()
	a.notifyChange()
	return nil
}

// ListUsers returns all users.
func (a *Auth) ListUsers() []*User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	users := make([]*User, 0, len(a.users))
	for _, u := range a.users {
		users = append(users, u)
	}
	return users
}

// CreateUser adds a local user with a precomputed bcrypt hash.
func (a *Auth) CreateUser(username, passwordHash, role string) (*User, error) {
	a.mu.Lock()
	if _, ok := a.roles[role]; !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("role %q does not exist", role)
	}
	if _, exists := a.users[username]; exists {
		a.mu.Unlock()
		return nil, fmt.Errorf("user %q already exists", username)
	}
	user := &User{
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		Enabled:      true,
		Source:       "local",
	}
	a.users[username] = user
	if err := a.persist(); err != nil {
		a.log.Warn("user created in memory but failed to persist", "user", username, "err", err)
	}
	a.mu.Unlock()
	a.notifyChange()
	return user, nil
}

// DeleteUser removes a user.
func (a *Auth) DeleteUser(username string) error {
	a.mu.Lock()
	if _, exists := a.users[username]; !exists {
		a.mu.Unlock()
		return fmt.Errorf("user %q not found", username)
	}
	delete(a.users, username)
	if err := a.persist(); err != nil {
		a.log.Warn("user deleted in memory but failed to persist", "user", username, "err", err)
	}
	a.mu.Unlock()
	a.notifyChange()
	return nil
}

// --- OIDC ---

func (a *Auth) discoverOIDC() (*oidcDiscoveryDoc, error) {
	a.oidcMu.Lock()
	defer a.oidcMu.Unlock()

	if a.oidcDiscovery != nil {
		return a.oidcDiscovery, nil
	}
	if a.cfg.OIDC == nil || a.cfg.OIDC.ProviderURL == "" {
		return nil, fmt.Errorf("OIDC is not configured")
	}

	url := strings.TrimRight(a.cfg.OIDC.ProviderURL, "/") + "/.well-known/openid-configuration"
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("OIDC discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading OIDC discovery response: %w", err)
	}
	var doc oidcDiscoveryDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing OIDC discovery document: %w", err)
	}
	a.oidcDiscovery = &doc
	return &doc, nil
}

// OIDCAuthURL builds the provider authorization URL for a login redirect.
func (a *Auth) OIDCAuthURL(state string) (string, error) {
	doc, err := a.discoverOIDC()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s?client_id=%s&redirect_uri=%s&response_type=code&scope=%s&state=%s",
		doc.AuthorizationEndpoint,
		a.cfg.OIDC.ClientID,
		a.cfg.OIDC.RedirectURL,
		strings.Join(a.cfg.OIDC.Scopes, " "),
		state,
	), nil
}

// OIDCExchangeCode trades an authorization code for tokens and extracts
// the login identity from the id_token. Signature verification is skipped
// since the token arrives directly from the provider over HTTPS.
func (a *Auth) OIDCExchangeCode(code string) (string, error) {
	doc, err := a.discoverOIDC()
	if err != nil {
		return "", err
	}

	form := fmt.Sprintf("grant_type=authorization_code&code=%s&redirect_uri=%s&client_id=%s&client_secret=%s",
		code, a.cfg.OIDC.RedirectURL, a.cfg.OIDC.ClientID, a.cfg.OIDC.ClientSecret)

	resp, err := http.Post(doc.TokenEndpoint, "application/x-www-form-urlencoded", strings.NewReader(form))
	if err != nil {
		return "", fmt.Errorf("OIDC token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading OIDC token response: %w", err)
	}
	var tokenResp struct {
		IDToken string `json:"id_token"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("parsing OIDC token response: %w", err)
	}
	if tokenResp.IDToken == "" {
		return "", fmt.Errorf("no id_token in OIDC response")
	}

	parts := strings.Split(tokenResp.IDToken, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid id_token format")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decoding id_token payload: %w", err)
	}
	var claims struct {
		Email string `json:"email"`
		Sub   string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("parsing id_token claims: %w", err)
	}

	email := claims.Email
	if email == "" {
		email = claims.Sub
	}
	if email == "" {
		return "", fmt.Errorf("no email or sub in id_token")
	}
	return email, nil
}

// FindOrCreateOIDCUser returns the user for an OIDC login, creating one
// with the configured default role on first sight. OIDC users are never
// persisted.
func (a *Auth) FindOrCreateOIDCUser(email string) *User {
	a.mu.Lock()
	defer a.mu.Unlock()

	if user, ok := a.users[email]; ok {
		return user
	}
	defaultRole := "viewer"
	if a.cfg.OIDC != nil && a.cfg.OIDC.DefaultRole != "" {
		defaultRole = a.cfg.OIDC.DefaultRole
	}
	user := &User{
		Username: email,
		Role:     defaultRole,
		Enabled:  true,
		Source:   "oidc",
	}
	a.users[email] = user
	return user
}

// GenerateOIDCState creates a CSRF state token with a 5-minute TTL.
func (a *Auth) GenerateOIDCState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := base64.URLEncoding.EncodeToString(b)

	a.oidcMu.Lock()
	a.oidcStates[state] = time.Now().Add(5 * time.Minute)
	a.oidcMu.Unlock()
	return state, nil
}

// ValidateOIDCState checks and consumes a CSRF state token.
func (a *Auth) ValidateOIDCState(state string) bool {
	a.oidcMu.Lock()
	defer a.oidcMu.Unlock()

	expiry, ok := a.oidcStates[state]
	if !ok {
		return false
	}
	delete(a.oidcStates, state)
	return time.Now().Before(expiry)
}

// --- Context helpers ---

func userToContext(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// userFromContext returns the authenticated user on the request, or nil.
func userFromContext(r *http.Request) *User {
	user, _ := r.Context().Value(userContextKey).(*User)
	return user
}
