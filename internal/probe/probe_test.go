package probe_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/modrelay/teamsync/internal/logging"
	"github.com/modrelay/teamsync/internal/probe"
)

func TestAddress(t *testing.T) {
	tests := []struct {
		note string
		url  string
		want string
	}{
		{"https default port", "https://github.com/org/repo.git", "github.com:443"},
		{"http default port", "http://git.internal/org/repo.git", "git.internal:80"},
		{"explicit port", "https://git.internal:8443/org/repo.git", "git.internal:8443"},
		{"ssh url", "ssh://git@github.com/org/repo.git", "github.com:22"},
		{"scp-like syntax", "git@gitlab.com:org/repo.git", "gitlab.com:22"},
		{"no host", "/local/path/repo", ""},
	}
	for _, tt := range tests {
		t.Run(tt.note, func(t *testing.T) {
			if got := probe.Address(tt.url); got != tt.want {
				t.Errorf("Address(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestReachableCachesPerHost(t *testing.T) {
	log := logging.NewLogger(logging.Config{Level: "error"})

	dials := 0
	p := probe.New(5*time.Minute, log).WithDialer(func(network, address string, timeout time.Duration) (net.Conn, error) {
		dials++
		return nil, errors.New("connection refused")
	})

	ctx := context.Background()
	if p.Reachable(ctx, "https://github.com/org/repo.git") {
		t.Error("expected unreachable")
	}
	if p.Reachable(ctx, "https://github.com/org/other.git") {
		t.Error("expected unreachable")
	}
	if dials != 1 {
		t.Errorf("expected the cached result for the same host, dialed %d times", dials)
	}
}

func TestReachableReprobesAfterTTL(t *testing.T) {
	log := logging.NewLogger(logging.Config{Level: "error"})

	clock := time.Now()
	dials := 0
	p := probe.New(time.Minute, log).
		WithClock(func() time.Time { return clock }).
		WithDialer(func(network, address string, timeout time.Duration) (net.Conn, error) {
			dials++
			return nil, errors.New("connection refused")
		})

	ctx := context.Background()
	p.Reachable(ctx, "https://github.com/org/repo.git")
	clock = clock.Add(2 * time.Minute)
	p.Reachable(ctx, "https://github.com/org/repo.git")

	if dials != 2 {
		t.Errorf("expected a fresh probe after the TTL, dialed %d times", dials)
	}
}

func TestReachableSuccess(t *testing.T) {
	log := logging.NewLogger(logging.Config{Level: "error"})

	server, client := net.Pipe()
	defer server.Close()

	p := probe.New(time.Minute, log).WithDialer(func(network, address string, timeout time.Duration) (net.Conn, error) {
		if network != "tcp" || address != "github.com:443" {
			t.Errorf("unexpected dial target %s %s", network, address)
		}
		return client, nil
	})

	if !p.Reachable(context.Background(), "https://github.com/org/repo.git") {
		t.Error("expected reachable")
	}
}

func TestReachableUnparsableURL(t *testing.T) {
	log := logging.NewLogger(logging.Config{Level: "error"})
	p := probe.New(time.Minute, log).WithDialer(func(network, address string, timeout time.Duration) (net.Conn, error) {
		t.Error("dial must not be called without a host")
		return nil, errors.New("unreachable")
	})

	if p.Reachable(context.Background(), "not a url") {
		t.Error("expected unreachable for URL without host")
	}
}
