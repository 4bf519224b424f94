package git

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"mercator-hq/aegis/pkg/config"
)

func TestNewCredentials(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.GitAuthConfig
		wantKind string
		wantErr  bool
	}{
		{name: "empty type is none", cfg: config.GitAuthConfig{}, wantKind: AuthNone},
		{name: "none", cfg: config.GitAuthConfig{Type: "none"}, wantKind: AuthNone},
		{name: "token", cfg: config.GitAuthConfig{Type: "token", Token: "ghp_x"}, wantKind: AuthToken},
		{name: "token without token", cfg: config.GitAuthConfig{Type: "token"}, wantErr: true},
		{name: "ssh", cfg: config.GitAuthConfig{Type: "ssh", SSHKeyPath: "/keys/id"}, wantKind: AuthSSH},
		{name: "ssh without key", cfg: config.GitAuthConfig{Type: "ssh"}, wantErr: true},
		{name: "unknown", cfg: config.GitAuthConfig{Type: "kerberos"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCredentials(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewCredentials() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && c.Kind() != tt.wantKind {
				t.Errorf("Kind() = %q, want %q", c.Kind(), tt.wantKind)
			}
		})
	}
}

func TestCredentials_Method(t *testing.T) {
	none, _ := NewCredentials(config.GitAuthConfig{})
	if m, err := none.Method(); err != nil || m != nil {
		t.Errorf("none Method() = %v, %v; want nil, nil", m, err)
	}

	token, _ := NewCredentials(config.GitAuthConfig{Type: AuthToken, Token: "secret"})
	m, err := token.Method()
	if err != nil {
		t.Fatalf("token Method() error = %v", err)
	}
	basic, ok := m.(*http.BasicAuth)
	if !ok || basic.Password != "secret" {
		t.Errorf("token Method() = %#v, want basic auth carrying the token", m)
	}
}

func TestCredentials_SSHKeyChecks(t *testing.T) {
	dir := t.TempDir()
	open := filepath.Join(dir, "open")
	tight := filepath.Join(dir, "tight")
	if err := os.WriteFile(open, []byte("not a key"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tight, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		path       string
		wantInsec  bool
		wantErrAny bool
	}{
		{name: "missing file", path: filepath.Join(dir, "missing"), wantErrAny: true},
		{name: "group readable", path: open, wantInsec: true, wantErrAny: true},
		// Permissions pass, parsing fails.
		{name: "not a key", path: tight, wantErrAny: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCredentials(config.GitAuthConfig{Type: AuthSSH, SSHKeyPath: tt.path})
			if err != nil {
				t.Fatalf("NewCredentials() error = %v", err)
			}
			_, err = c.Method()
			if (err != nil) != tt.wantErrAny {
				t.Fatalf("Method() error = %v", err)
			}
			if errors.Is(err, ErrInsecureKey) != tt.wantInsec {
				t.Errorf("Method() error = %v, insecure key = %v", err, tt.wantInsec)
			}
		})
	}
}
