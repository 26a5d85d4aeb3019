package server

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &Config{
		Auth: AuthConfig{Enabled: true, JWTSecret: "test-secret", TokenExpiry: "1h"},
		Roles: map[string]RoleConfig{
			"admin":  {Tools: []string{"*"}},
			"viewer": {Tools: []string{"search_*"}},
		},
		Users: []UserConfig{
			{Username: "alice", PasswordHash: string(hash), Role: "admin"},
		},
		OAuthClients: []OAuthClientConfig{
			{ClientID: "ci-bot", ClientSecret: "bot-secret", Role: "viewer"},
		},
	}
	a, err := NewAuth(cfg, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestVerifyPassword(t *testing.T) {
	a := newTestAuth(t)

	user, err := a.VerifyPassword("alice", "hunter2")
	if err != nil || user.Role != "admin" {
		t.Fatalf("VerifyPassword: %+v, %v", user, err)
	}
	if _, err := a.VerifyPassword("alice", "wrong"); err == nil {
		t.Error("wrong password accepted")
	}
	if _, err := a.VerifyPassword("mallory", "hunter2"); err == nil {
		t.Error("unknown user accepted")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	a := newTestAuth(t)
	user, _ := a.VerifyPassword("alice", "hunter2")

	token, err := a.GenerateToken(user)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	resolved, err := a.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if resolved.Username != "alice" || resolved.Role != "admin" {
		t.Errorf("resolved = %+v", resolved)
	}

	if _, err := a.ValidateToken(token + "x"); err == nil {
		t.Error("tampered token accepted")
	}
	if _, err := a.ValidateToken("not-a-jwt"); err == nil {
		t.Error("garbage token accepted")
	}
}

func TestValidateTokenDeletedUser(t *testing.T) {
	a := newTestAuth(t)
	user, _ := a.VerifyPassword("alice", "hunter2")
	token, _ := a.GenerateToken(user)

	if err := a.DeleteUser("alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.ValidateToken(token); err == nil {
		t.Error("token for deleted user accepted")
	}
}

func TestClientCredentials(t *testing.T) {
	a := newTestAuth(t)

	user, err := a.VerifyClientCredentials("ci-bot", "bot-secret")
	if err != nil {
		t.Fatalf("VerifyClientCredentials: %v", err)
	}
	if user.Username != "oauth:ci-bot" || user.Role != "viewer" || user.Source != "oauth_client" {
		t.Errorf("user = %+v", user)
	}

	if _, err := a.VerifyClientCredentials("ci-bot", "nope"); err == nil {
		t.Error("wrong secret accepted")
	}

	// Tokens for oauth clients resolve without a user table entry.
	token, _ := a.GenerateToken(user)
	resolved, err := a.ValidateToken(token)
	if err != nil || resolved.Role != "viewer" {
		t.Errorf("resolved = %+v, %v", resolved, err)
	}
}

func TestRoleCRUD(t *testing.T) {
	a := newTestAuth(t)
	changes := 0
	a.OnChange = func() { changes++ }

	if err := a.CreateRole("ops", []string{"deploy_*"}); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := a.CreateRole("ops", nil); err == nil {
		t.Error("duplicate role accepted")
	}

	patterns, ok := a.RolePatterns("ops")
	if !ok || len(patterns) != 1 || patterns[0] != "deploy_*" {
		t.Errorf("patterns = %v, %v", patterns, ok)
	}

	if err := a.UpdateRole("ops", []string{"*"}); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if err := a.UpdateRole("ghost", nil); err == nil {
		t.Error("update of missing role accepted")
	}

	// admin is held by alice and cannot be deleted.
	if err := a.DeleteRole("admin"); err == nil || !strings.Contains(err.Error(), "assigned") {
		t.Errorf("DeleteRole(admin) = %v", err)
	}
	if err := a.DeleteRole("ops"); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if _, ok := a.RolePatterns("ops"); ok {
		t.Error("deleted role still resolvable")
	}

	if changes != 3 {
		t.Errorf("OnChange fired %d times, want 3", changes)
	}
}

func TestCreateUserUnknownRole(t *testing.T) {
	a := newTestAuth(t)
	if _, err := a.CreateUser("bob", "hash", "ghost"); err == nil {
		t.Error("user with undefined role accepted")
	}
	if _, err := a.CreateUser("alice", "hash", "admin"); err == nil {
		t.Error("duplicate user accepted")
	}
}

func TestAuthPersistsToConfigFile(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	path := writeConfigFile(t, `
listen: ":9000"
auth:
  enabled: true
  jwt_secret: s
  token_expiry: 1h
roles:
  admin:
    tools: ["*"]
users:
  - username: alice
    password_hash: `+string(hash)+`
    role: admin
agents:
  helper:
    name: Helper
    model: gpt-4o
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	a, err := NewAuth(cfg, path, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.CreateRole("ops", []string{"deploy_*"}); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := reloaded.Roles["ops"]; !ok {
		t.Error("new role not persisted")
	}
	// Fields auth does not manage survive the rewrite.
	if reloaded.Listen != ":9000" || reloaded.Agents["helper"] == nil {
		t.Errorf("unmanaged fields lost: listen=%q agents=%v", reloaded.Listen, reloaded.Agents)
	}
}

func TestOIDCState(t *testing.T) {
	a := newTestAuth(t)
	state, err := a.GenerateOIDCState()
	if err != nil || state == "" {
		t.Fatalf("GenerateOIDCState: %q, %v", state, err)
	}
	if !a.ValidateOIDCState(state) {
		t.Error("fresh state rejected")
	}
	if a.ValidateOIDCState(state) {
		t.Error("state not consumed on first use")
	}
	if a.ValidateOIDCState("forged") {
		t.Error("unknown state accepted")
	}
}

func TestFindOrCreateOIDCUser(t *testing.T) {
	a := newTestAuth(t)
	u := a.FindOrCreateOIDCUser("dev@example.com")
	if u.Source != "oidc" || u.Role != "viewer" {
		t.Errorf("user = %+v", u)
	}
	again := a.FindOrCreateOIDCUser("dev@example.com")
	if again != u {
		t.Error("second login created a new user")
	}
}
