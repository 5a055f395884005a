// Package gitauth maps workspace credentials onto an effective repository URL
// and process environment for subprocess git. SSH keys are materialized as
// temporary files behind a pinned ssh client config; the returned session
// guarantees their removal on every exit path.
package gitauth

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/modrelay/teamsync/internal/config"
	"github.com/modrelay/teamsync/internal/logging"
)

// Session is the outcome of credential setup for one sync attempt. Close is
// idempotent and must run regardless of how the attempt ends.
type Session struct {
	URL string   // effective repository URL
	Env []string // extra environment for git invocations

	mu    sync.Mutex
	files []string
	log   *logging.Logger
}

// Close deletes any temporary credential material.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			s.log.Warnf("failed to remove credential file %s: %v", f, err)
		}
	}
	s.files = nil
}

// Provider resolves typed credentials into sessions.
type Provider struct {
	log     *logging.Logger
	tempDir string
}

func NewProvider(log *logging.Logger) *Provider {
	return &Provider{log: log, tempDir: os.TempDir()}
}

// WithTempDir overrides where key material is written. Used in tests.
func (p *Provider) WithTempDir(dir string) *Provider {
	p.tempDir = dir
	return p
}

// Setup resolves the credential into an effective URL and environment.
// cred is one of nil, *config.SecretBasicAuth, *config.SecretTokenAuth or
// *config.SecretSSHKey, as produced by config.Secret.Typed.
func (p *Provider) Setup(_ context.Context, rawURL string, cred any) (*Session, error) {
	switch cred := cred.(type) {
	case nil:
		return &Session{URL: rawURL, log: p.log}, nil

	case *config.SecretBasicAuth:
		u, err := embedUserinfo(rawURL, cred.Username, cred.Password)
		if err != nil {
			return nil, err
		}
		return &Session{URL: u, log: p.log}, nil

	case *config.SecretTokenAuth:
		username, password := tokenUserinfo(cred, rawURL)
		u, err := embedUserinfo(rawURL, username, password)
		if err != nil {
			return nil, err
		}
		return &Session{URL: u, log: p.log}, nil

	case *config.SecretSSHKey:
		return p.setupSSH(rawURL, cred)

	default:
		return nil, fmt.Errorf("unsupported credential type: %T", cred)
	}
}

// Validate checks credential material before any network call so malformed
// credentials fail fast with a specific message.
func Validate(cred any) error {
	switch cred := cred.(type) {
	case nil:
		return nil
	case *config.SecretBasicAuth:
		if cred.Username == "" {
			return fmt.Errorf("basic auth: username is required")
		}
		return nil
	case *config.SecretTokenAuth:
		if strings.TrimSpace(cred.Token) == "" {
			return fmt.Errorf("token auth: token is required")
		}
		if strings.ContainsAny(cred.Token, " \t\n") {
			return fmt.Errorf("token auth: token contains whitespace")
		}
		return nil
	case *config.SecretSSHKey:
		key := strings.TrimSpace(cred.Key)
		if !strings.HasPrefix(key, "-----BEGIN") || !strings.Contains(key, "PRIVATE KEY") {
			return fmt.Errorf("ssh key: private key must be in PEM format")
		}
		return nil
	default:
		return fmt.Errorf("unsupported credential type: %T", cred)
	}
}

// embedUserinfo places percent-encoded credentials into the URL authority.
func embedUserinfo(rawURL, username, password string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid repository URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("credential embedding requires an http(s) URL, got %q", rawURL)
	}
	if password == "" {
		u.User = url.User(username)
	} else {
		u.User = url.UserPassword(username, password)
	}
	return u.String(), nil
}

// tokenUserinfo maps a token into the conventional username/password slot for
// the hosting provider.
func tokenUserinfo(cred *config.SecretTokenAuth, rawURL string) (string, string) {
	provider := cred.Provider
	if provider == "" {
		provider = DetectProvider(rawURL)
	}

	switch provider {
	case "github":
		return cred.Token, "x-oauth-basic"
	case "gitlab":
		return "oauth2", cred.Token
	case "bitbucket":
		return "x-token-auth", cred.Token
	case "azure":
		return "git", cred.Token
	default:
		return cred.Token, ""
	}
}

// DetectProvider guesses the hosting provider from the repository hostname.
func DetectProvider(rawURL string) string {
	host := hostOf(rawURL)
	switch {
	case strings.Contains(host, "github"):
		return "github"
	case strings.Contains(host, "gitlab"):
		return "gitlab"
	case strings.Contains(host, "bitbucket"):
		return "bitbucket"
	case strings.Contains(host, "dev.azure.com"), strings.Contains(host, "visualstudio.com"):
		return "azure"
	default:
		return "generic"
	}
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return strings.ToLower(u.Hostname())
	}
	// scp-like syntax: git@host:path
	if user, rest, ok := strings.Cut(rawURL, "@"); ok && !strings.Contains(user, "/") {
		if host, _, ok := strings.Cut(rest, ":"); ok {
			return strings.ToLower(host)
		}
		return strings.ToLower(rest)
	}
	return ""
}
