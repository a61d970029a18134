// Package fs keeps oneid client credentials in a JSON file.
package fs

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/robokop/oneid/client"
)

// CredentialStore holds one session per server in a single JSON file
type CredentialStore struct {
	mu       sync.RWMutex
	path     string
	servers  map[string]*client.ServerCredential
	modified bool
}

type credentialFile struct {
	Servers map[string]*client.ServerCredential `json:"servers"`
}

// NewCredentialStore opens the store at path. An empty path means
// <user config dir>/<appName>/credentials.json, appName defaulting to "oneid".
func NewCredentialStore(path string, appName string) (*CredentialStore, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine config directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
		if appName == "" {
			appName = "oneid"
		}
		path = filepath.Join(configDir, appName, "credentials.json")
	}

	s := &CredentialStore{path: path, servers: map[string]*client.ServerCredential{}}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

func (s *CredentialStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if file.Servers != nil {
		s.servers = file.Servers
	}
	return nil
}

// serverKey reduces a URL to scheme://host, assuming https
func serverKey(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	return u.Scheme + "://" + u.Host, nil
}

func (s *CredentialStore) GetCredential(serverURL string) (*client.ServerCredential, error) {
	key, err := serverKey(serverURL)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.servers[key], nil
}

func (s *CredentialStore) SetCredential(serverURL string, cred *client.ServerCredential) error {
	key, err := serverKey(serverURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[key] = cred
	s.modified = true
	return nil
}

func (s *CredentialStore) RemoveCredential(serverURL string) error {
	key, err := serverKey(serverURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[key]; ok {
		delete(s.servers, key)
		s.modified = true
	}
	return nil
}

func (s *CredentialStore) ListServers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	servers := make([]string, 0, len(s.servers))
	for k := range s.servers {
		servers = append(servers, k)
	}
	return servers, nil
}

// Save writes the file if anything changed. The file is readable by its owner only.
func (s *CredentialStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.modified {
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(credentialFile{Servers: s.servers}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	s.modified = false
	return nil
}

func (s *CredentialStore) Path() string {
	return s.path
}
