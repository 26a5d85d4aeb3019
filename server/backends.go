package server

import (
	"fmt"
	"log/slog"
	"sync"

	wick "github.com/wicklab/wick"
	"github.com/wicklab/wick/backend"
)

// BackendStore holds one backend per (agent, user) pair. Backends own
// containers, so they are shared by every engine rebuild of the same
// instance and cleaned up on removal.
type BackendStore struct {
	mu       sync.RWMutex
	backends map[string]backend.Backend
}

// NewBackendStore creates an empty store.
func NewBackendStore() *BackendStore {
	return &BackendStore{backends: map[string]backend.Backend{}}
}

func backendKey(agentID, username string) string {
	return agentID + ":" + username
}

// Get returns the backend for an agent/user, or nil.
func (bs *BackendStore) Get(agentID, username string) backend.Backend {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.backends[backendKey(agentID, username)]
}

// Set stores a backend for an agent/user.
func (bs *BackendStore) Set(agentID, username string, b backend.Backend) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.backends[backendKey(agentID, username)] = b
}

// Remove drops and closes a backend.
func (bs *BackendStore) Remove(agentID, username string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	key := backendKey(agentID, username)
	if b, ok := bs.backends[key]; ok {
		_ = b.Close()
		delete(bs.backends, key)
	}
}

// CloseAll closes every backend. Called on shutdown.
func (bs *BackendStore) CloseAll() {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for key, b := range bs.backends {
		_ = b.Close()
		delete(bs.backends, key)
	}
}

const defaultWorkdir = "/workspace"

// newBackend constructs a backend from config for one user. Docker
// backends are returned before their container is up; callers launch
// asynchronously.
func newBackend(cfg *wick.BackendCfg, username string, log *slog.Logger) (backend.Backend, error) {
	if cfg == nil {
		return nil, nil
	}
	workdir := cfg.Workdir
	if workdir == "" {
		workdir = defaultWorkdir
	}
	switch cfg.Type {
	case "", "state":
		return backend.NewStateBackend(workdir), nil
	case "local":
		return backend.NewLocalBackend(workdir, cfg.Timeout, cfg.MaxOutputBytes, username), nil
	case "docker":
		containerName := cfg.ContainerName
		if containerName == "" {
			containerName = fmt.Sprintf("wick-sandbox-%s", username)
		}
		return backend.NewDockerBackend(
			containerName, workdir,
			cfg.Timeout, cfg.MaxOutputBytes,
			cfg.DockerHost, cfg.Image, username, log,
		)
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}
