package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func passwordConn() Connection {
	return Connection{
		Name:     "dev",
		Host:     "h",
		Port:     22,
		Username: "u",
		AuthKind: AuthPassword,
		Password: "s3cret",
	}
}

func TestAddGetRoundTrip(t *testing.T) {
	s := testStore(t)
	id, err := s.Add(passwordConn())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Password != "s3cret" {
		t.Errorf("Get password = %q, want s3cret", got.Password)
	}
	if got.Name != "dev" || got.Host != "h" || got.Port != 22 {
		t.Errorf("descriptor mismatch: %+v", got)
	}
}

func TestPasswordEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(passwordConn()); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "s3cret") {
		t.Error("plaintext password found in config.json")
	}

	// Reload from disk: password must decrypt transparently.
	s2, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	conns, err := s2.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(conns) != 1 || conns[0].Password != "s3cret" {
		t.Errorf("reload: got %+v, want one connection with decrypted password", conns)
	}
}

func TestFilePermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cfg")
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(passwordConn()); err != nil {
		t.Fatal(err)
	}

	di, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if di.Mode().Perm() != 0o700 {
		t.Errorf("config dir mode = %o, want 700", di.Mode().Perm())
	}
	for _, name := range []string{"config.json", ".salt"} {
		fi, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if fi.Mode().Perm() != 0o600 {
			t.Errorf("%s mode = %o, want 600", name, fi.Mode().Perm())
		}
	}
}

func TestValidation(t *testing.T) {
	s := testStore(t)

	tests := []struct {
		name   string
		mutate func(*Connection)
	}{
		{"empty name", func(c *Connection) { c.Name = "" }},
		{"empty host", func(c *Connection) { c.Host = "" }},
		{"zero port", func(c *Connection) { c.Port = 0 }},
		{"huge port", func(c *Connection) { c.Port = 70000 }},
		{"empty username", func(c *Connection) { c.Username = "" }},
		{"password auth without password", func(c *Connection) { c.Password = "" }},
		{"password auth with key path", func(c *Connection) { c.KeyPath = "~/.ssh/id_rsa" }},
		{"unknown auth kind", func(c *Connection) { c.AuthKind = "agent" }},
		{"key auth with password", func(c *Connection) {
			c.AuthKind = AuthPrivateKey
			c.KeyPath = "~/.ssh/id_rsa"
		}},
		{"key auth without key path", func(c *Connection) {
			c.AuthKind = AuthPrivateKey
			c.Password = ""
		}},
	}
	for _, tt := range tests {
		c := passwordConn()
		tt.mutate(&c)
		if _, err := s.Add(c); err == nil {
			t.Errorf("%s: Add succeeded, want validation error", tt.name)
		}
	}
}

func TestUpdateAndRemove(t *testing.T) {
	s := testStore(t)
	id, err := s.Add(passwordConn())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Update(id, Connection{Host: "h2", Port: 2222}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := s.Get(id)
	if got.Host != "h2" || got.Port != 2222 {
		t.Errorf("after update: %+v", got)
	}
	if got.Password != "s3cret" {
		t.Errorf("update clobbered password: %q", got.Password)
	}

	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(id); err == nil {
		t.Error("Get after Remove succeeded")
	}
	if err := s.Remove(id); err == nil {
		t.Error("second Remove succeeded, want not-found")
	}
}

func TestLastConnectionID(t *testing.T) {
	s := testStore(t)
	id, err := s.Add(passwordConn())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetLastConnectionID(id); err != nil {
		t.Fatal(err)
	}
	if got := s.LastConnectionID(); got != id {
		t.Errorf("LastConnectionID = %q, want %q", got, id)
	}
	// Removing the connection clears the reference.
	if err := s.Remove(id); err != nil {
		t.Fatal(err)
	}
	if got := s.LastConnectionID(); got != "" {
		t.Errorf("LastConnectionID after remove = %q, want empty", got)
	}
}

func TestDefaults(t *testing.T) {
	s := testStore(t)
	b := s.Browser()
	if !b.Headless || b.DebugPort != 9222 {
		t.Errorf("browser defaults: %+v", b)
	}
	f := s.Forward()
	if f.LocalHost != "127.0.0.1" || f.LocalPort != 9222 || f.RemotePort != 9222 {
		t.Errorf("forward defaults: %+v", f)
	}
}
