// Package config persists connection descriptors and tool defaults as JSON
// under the user's config directory. Passwords are encrypted at rest with
// AES-256-GCM; the per-install salt lives next to the config file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/telebrowse/telebrowse/pkg/util"
)

const (
	configFileName = "config.json"
	saltFileName   = ".salt"
	configVersion  = 1

	// appSecret seeds key derivation together with the per-install salt.
	// This protects config files from casual reading, not from an attacker
	// with local code execution.
	appSecret = "telebrowse-config-v1"
)

// AuthKind selects the SSH authentication method for a connection.
type AuthKind string

const (
	AuthPassword   AuthKind = "password"
	AuthPrivateKey AuthKind = "privateKey"
)

// Connection is a stored connection descriptor. Exactly one of Password and
// KeyPath is populated, matching AuthKind.
type Connection struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username"`
	AuthKind AuthKind `json:"authType"`
	Password string   `json:"password,omitempty"`
	KeyPath  string   `json:"keyPath,omitempty"`
}

// BrowserSettings holds launch defaults for the remote browser.
type BrowserSettings struct {
	ExecutablePath string `json:"executablePath,omitempty"`
	Headless       bool   `json:"headless"`
	DebugPort      int    `json:"debugPort"`
	UserDataDir    string `json:"userDataDir,omitempty"`
}

// ForwardDefaults holds default endpoints for the DevTools port forward.
type ForwardDefaults struct {
	LocalHost  string `json:"localHost"`
	LocalPort  int    `json:"localPort"`
	RemotePort int    `json:"remotePort"`
}

type fileFormat struct {
	Version          int             `json:"version"`
	Connections      []Connection    `json:"connections"`
	LastConnectionID string          `json:"lastConnectionId,omitempty"`
	BrowserSettings  BrowserSettings `json:"browserSettings"`
	ForwardDefaults  ForwardDefaults `json:"portForwardDefaults"`
}

func defaultFile() fileFormat {
	return fileFormat{
		Version:     configVersion,
		Connections: []Connection{},
		BrowserSettings: BrowserSettings{
			Headless:  true,
			DebugPort: 9222,
		},
		ForwardDefaults: ForwardDefaults{
			LocalHost:  "127.0.0.1",
			LocalPort:  9222,
			RemotePort: 9222,
		},
	}
}

// Store is the on-disk config store. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	dir    string
	cipher *Cipher
	data   fileFormat
}

// DefaultDir returns the default config directory (~/.telebrowse).
func DefaultDir() string {
	home, err := util.HomeDir()
	if err != nil {
		return ".telebrowse"
	}
	return filepath.Join(home, ".telebrowse")
}

// NewStore creates a store rooted at dir (DefaultDir() if empty) and loads
// any existing config file.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	s := &Store{dir: dir, data: defaultFile()}
	if err := s.init(); err != nil {
		return nil, err
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return util.WrapE(util.CodeConfigIO, err, "create config dir %s", s.dir)
	}
	salt, err := s.loadOrCreateSalt()
	if err != nil {
		return err
	}
	s.cipher, err = NewCipher(appSecret, salt)
	return err
}

func (s *Store) loadOrCreateSalt() ([]byte, error) {
	path := filepath.Join(s.dir, saltFileName)
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == saltSize {
		return salt, nil
	}
	salt, err = NewSalt()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, util.WrapE(util.CodeConfigIO, err, "write salt file")
	}
	return salt, nil
}

// Load reads config.json from disk. A missing file leaves defaults in place.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(s.dir, configFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return util.WrapE(util.CodeConfigIO, err, "read config")
	}
	var f fileFormat
	if err := json.Unmarshal(raw, &f); err != nil {
		return util.WrapE(util.CodeConfigInvalid, err, "parse config")
	}
	if f.Connections == nil {
		f.Connections = []Connection{}
	}
	s.data = f
	return nil
}

// Save writes config.json with passwords encrypted at rest.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	out := s.data
	out.Connections = make([]Connection, len(s.data.Connections))
	copy(out.Connections, s.data.Connections)
	for i := range out.Connections {
		c := &out.Connections[i]
		if c.Password != "" && !IsEncrypted(c.Password) {
			enc, err := s.cipher.Encrypt(c.Password)
			if err != nil {
				return err
			}
			c.Password = enc
		}
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return util.WrapE(util.CodeConfigIO, err, "encode config")
	}
	if err := os.WriteFile(filepath.Join(s.dir, configFileName), raw, 0o600); err != nil {
		return util.WrapE(util.CodeConfigIO, err, "write config")
	}
	return nil
}

func validate(c *Connection) error {
	switch {
	case c.Name == "":
		return util.NewValidationError("name", "must not be empty")
	case c.Host == "":
		return util.NewValidationError("host", "must not be empty")
	case c.Port < 1 || c.Port > 65535:
		return util.NewValidationError("port", "must be in 1..65535")
	case c.Username == "":
		return util.NewValidationError("username", "must not be empty")
	}
	switch c.AuthKind {
	case AuthPassword:
		if c.Password == "" {
			return util.NewValidationError("password", "required for password auth")
		}
		if c.KeyPath != "" {
			return util.NewValidationError("keyPath", "must be empty for password auth")
		}
	case AuthPrivateKey:
		if c.KeyPath == "" {
			return util.NewValidationError("keyPath", "required for private key auth")
		}
		if c.Password != "" {
			return util.NewValidationError("password", "must be empty for private key auth")
		}
	default:
		return util.NewValidationError("authType", "must be password or privateKey")
	}
	return nil
}

func newID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return hex.EncodeToString(b)
}

// Add validates and stores a new connection, returning its assigned id.
func (s *Store) Add(c Connection) (string, error) {
	if err := validate(&c); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = newID()
	s.data.Connections = append(s.data.Connections, c)
	if err := s.saveLocked(); err != nil {
		return "", err
	}
	return c.ID, nil
}

// Get returns a connection by id with its password decrypted.
func (s *Store) Get(id string) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.data.Connections {
		if c.ID == id {
			return s.decrypted(c)
		}
	}
	return Connection{}, util.E(util.CodeNotFound, "connection %s not found", id)
}

func (s *Store) decrypted(c Connection) (Connection, error) {
	if c.Password != "" && IsEncrypted(c.Password) {
		plain, err := s.cipher.Decrypt(c.Password)
		if err != nil {
			return Connection{}, err
		}
		c.Password = plain
	}
	return c, nil
}

// List returns all connections with passwords decrypted.
func (s *Store) List() ([]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Connection, 0, len(s.data.Connections))
	for _, c := range s.data.Connections {
		dec, err := s.decrypted(c)
		if err != nil {
			return nil, err
		}
		out = append(out, dec)
	}
	return out, nil
}

// Update applies non-zero fields of upd to the stored connection.
func (s *Store) Update(id string, upd Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Connections {
		c := &s.data.Connections[i]
		if c.ID != id {
			continue
		}
		merged, err := s.decrypted(*c)
		if err != nil {
			return err
		}
		if upd.Name != "" {
			merged.Name = upd.Name
		}
		if upd.Host != "" {
			merged.Host = upd.Host
		}
		if upd.Port != 0 {
			merged.Port = upd.Port
		}
		if upd.Username != "" {
			merged.Username = upd.Username
		}
		if upd.AuthKind != "" {
			merged.AuthKind = upd.AuthKind
		}
		if upd.Password != "" {
			merged.Password = upd.Password
			if merged.AuthKind == AuthPassword {
				merged.KeyPath = ""
			}
		}
		if upd.KeyPath != "" {
			merged.KeyPath = upd.KeyPath
			if merged.AuthKind == AuthPrivateKey {
				merged.Password = ""
			}
		}
		if err := validate(&merged); err != nil {
			return err
		}
		*c = merged
		return s.saveLocked()
	}
	return util.E(util.CodeNotFound, "connection %s not found", id)
}

// Remove deletes a connection by id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.data.Connections {
		if c.ID == id {
			s.data.Connections = append(s.data.Connections[:i], s.data.Connections[i+1:]...)
			if s.data.LastConnectionID == id {
				s.data.LastConnectionID = ""
			}
			return s.saveLocked()
		}
	}
	return util.E(util.CodeNotFound, "connection %s not found", id)
}

// SetLastConnectionID records the most recently used connection.
func (s *Store) SetLastConnectionID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastConnectionID = id
	return s.saveLocked()
}

// LastConnectionID returns the most recently used connection id, if any.
func (s *Store) LastConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastConnectionID
}

// Browser returns the stored browser launch defaults.
func (s *Store) Browser() BrowserSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.BrowserSettings
}

// SetBrowser replaces the browser launch defaults.
func (s *Store) SetBrowser(b BrowserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.BrowserSettings = b
	return s.saveLocked()
}

// Forward returns the stored port-forward defaults.
func (s *Store) Forward() ForwardDefaults {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ForwardDefaults
}

// SetForward replaces the port-forward defaults.
func (s *Store) SetForward(f ForwardDefaults) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ForwardDefaults = f
	return s.saveLocked()
}
