package gitauth

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/modrelay/teamsync/internal/config"
)

// sshURL is the parsed form of an ssh-style repository URL, either
// "ssh://user@host:port/path" or the scp-like "user@host:path".
type sshURL struct {
	user string
	host string
	port string
	path string
}

func parseSSHURL(rawURL string) (*sshURL, error) {
	if rest, ok := strings.CutPrefix(rawURL, "ssh://"); ok {
		s := &sshURL{user: "git"}
		if user, hostPath, ok := strings.Cut(rest, "@"); ok {
			s.user = user
			rest = hostPath
		}
		hostPort, path, _ := strings.Cut(rest, "/")
		if host, port, ok := strings.Cut(hostPort, ":"); ok {
			s.host, s.port = host, port
		} else {
			s.host = hostPort
		}
		s.path = path
		if s.host == "" {
			return nil, fmt.Errorf("invalid ssh URL %q", rawURL)
		}
		return s, nil
	}

	user, rest, ok := strings.Cut(rawURL, "@")
	if !ok || strings.Contains(user, "/") {
		return nil, fmt.Errorf("%q is not an ssh repository URL", rawURL)
	}
	host, path, ok := strings.Cut(rest, ":")
	if !ok || host == "" {
		return nil, fmt.Errorf("%q is not an ssh repository URL", rawURL)
	}
	return &sshURL{user: user, host: host, path: path}, nil
}

// setupSSH writes the key material and a scoped ssh config, and rewrites the
// repository URL to route through the pinned host alias.
func (p *Provider) setupSSH(rawURL string, cred *config.SecretSSHKey) (*Session, error) {
	target, err := parseSSHURL(rawURL)
	if err != nil {
		return nil, err
	}

	// Key files are named by content hash so concurrent syncs of workspaces
	// sharing a key never collide on content.
	sum := sha256.Sum256([]byte(cred.Key))
	tag := fmt.Sprintf("%x", sum[:6])
	alias := "teamsync-" + tag

	s := &Session{log: p.log}
	cleanupOnErr := true
	defer func() {
		if cleanupOnErr {
			s.Close()
		}
	}()

	keyPath := filepath.Join(p.tempDir, "teamsync-key-"+tag)
	if err := writeSecretFile(keyPath, ensureTrailingNewline(cred.Key), 0600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}
	s.files = append(s.files, keyPath)

	if cred.PublicKey != "" {
		pubPath := keyPath + ".pub"
		if err := writeSecretFile(pubPath, ensureTrailingNewline(cred.PublicKey), 0644); err != nil {
			return nil, fmt.Errorf("failed to write public key: %w", err)
		}
		s.files = append(s.files, pubPath)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Host %s\n", alias)
	fmt.Fprintf(&b, "  HostName %s\n", target.host)
	fmt.Fprintf(&b, "  User %s\n", target.user)
	if target.port != "" {
		fmt.Fprintf(&b, "  Port %s\n", target.port)
	}
	fmt.Fprintf(&b, "  IdentityFile %s\n", keyPath)
	b.WriteString("  IdentitiesOnly yes\n")
	b.WriteString("  StrictHostKeyChecking no\n")
	b.WriteString("  UserKnownHostsFile /dev/null\n")

	cfgPath := filepath.Join(p.tempDir, "teamsync-ssh-config-"+tag)
	if err := writeSecretFile(cfgPath, b.String(), 0600); err != nil {
		return nil, fmt.Errorf("failed to write ssh config: %w", err)
	}
	s.files = append(s.files, cfgPath)

	env := []string{fmt.Sprintf("GIT_SSH_COMMAND=ssh -F %s", cfgPath)}

	if cred.Passphrase != "" {
		// ssh only reads the passphrase from an askpass program when no
		// terminal is attached, so hand it one.
		askPath := filepath.Join(p.tempDir, "teamsync-askpass-"+tag)
		script := fmt.Sprintf("#!/bin/sh\nprintf '%%s' %s\n", shellQuote(cred.Passphrase))
		if err := writeSecretFile(askPath, script, 0700); err != nil {
			return nil, fmt.Errorf("failed to write askpass helper: %w", err)
		}
		s.files = append(s.files, askPath)
		env = append(env,
			"SSH_ASKPASS="+askPath,
			"SSH_ASKPASS_REQUIRE=force",
			"DISPLAY=:0",
		)
	}

	s.URL = fmt.Sprintf("%s:%s", alias, target.path)
	s.Env = env

	cleanupOnErr = false
	return s, nil
}

func writeSecretFile(path, content string, mode os.FileMode) error {
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return err
	}
	// WriteFile does not chmod existing files.
	return os.Chmod(path, mode)
}

func ensureTrailingNewline(s string) string {
	if !strings.HasSuffix(s, "\n") {
		return s + "\n"
	}
	return s
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
