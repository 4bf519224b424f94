package git

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"mercator-hq/aegis/pkg/config"
)

// Auth kinds accepted in GitAuthConfig.Type.
const (
	AuthNone  = "none"
	AuthToken = "token"
	AuthSSH   = "ssh"
)

// ErrInsecureKey is returned when an SSH private key is readable by group
// or others.
var ErrInsecureKey = errors.New("ssh key permissions too open")

// Credentials resolves the transport authentication for bundle repository
// access. It is evaluated before every network operation so rotated tokens
// and keys take effect without a restart.
type Credentials struct {
	kind       string
	token      string
	keyPath    string
	passphrase string
}

// NewCredentials validates the auth configuration.
func NewCredentials(cfg config.GitAuthConfig) (*Credentials, error) {
	c := &Credentials{
		kind:       cfg.Type,
		token:      cfg.Token,
		keyPath:    cfg.SSHKeyPath,
		passphrase: cfg.SSHKeyPassphrase,
	}
	switch cfg.Type {
	case AuthNone, "":
		c.kind = AuthNone
	case AuthToken:
		if cfg.Token == "" {
			return nil, fmt.Errorf("token auth requires a token")
		}
	case AuthSSH:
		if cfg.SSHKeyPath == "" {
			return nil, fmt.Errorf("ssh auth requires ssh_key_path")
		}
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
	return c, nil
}

// Kind reports the auth kind for logging.
func (c *Credentials) Kind() string { return c.kind }

// Method returns the go-git auth method, nil for public repositories.
func (c *Credentials) Method() (transport.AuthMethod, error) {
	switch c.kind {
	case AuthToken:
		// Hosting providers ignore the username for token auth.
		return &http.BasicAuth{Username: "git", Password: c.token}, nil
	case AuthSSH:
		info, err := os.Stat(c.keyPath)
		if err != nil {
			return nil, fmt.Errorf("ssh key: %w", err)
		}
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %o, want 0600", ErrInsecureKey, c.keyPath, mode)
		}
		keys, err := ssh.NewPublicKeysFromFile("git", c.keyPath, c.passphrase)
		if err != nil {
			return nil, fmt.Errorf("load ssh key: %w", err)
		}
		return keys, nil
	default:
		return nil, nil
	}
}
