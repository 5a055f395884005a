// Package provider performs the optional fail-fast REST checks against Git
// hosting providers: a single authenticated read that turns a would-be
// generic Git failure into a precise credential error before any clone or
// push is attempted.
package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modrelay/teamsync/internal/gitauth"
	"github.com/modrelay/teamsync/internal/syncerr"
)

// Client issues provider API calls. BaseURLs is overridable for tests.
type Client struct {
	HTTP     *http.Client
	BaseURLs map[string]string
}

var defaultBaseURLs = map[string]string{
	"github":    "https://api.github.com",
	"gitlab":    "https://gitlab.com",
	"bitbucket": "https://api.bitbucket.org",
	"azure":     "https://app.vssps.visualstudio.com",
}

func NewClient() *Client {
	return &Client{
		HTTP:     &http.Client{Timeout: 10 * time.Second},
		BaseURLs: defaultBaseURLs,
	}
}

// ValidateToken performs one authenticated read against the provider behind
// repoURL. A nil return means the token authenticates; unsupported providers
// validate trivially.
func (c *Client) ValidateToken(ctx context.Context, repoURL, token string) error {
	kind := gitauth.DetectProvider(repoURL)

	var req *http.Request
	var err error

	switch kind {
	case "github":
		req, err = c.get(ctx, kind, "/user")
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Accept", "application/vnd.github+json")
		}
	case "gitlab":
		req, err = c.get(ctx, kind, "/api/v4/user")
		if err == nil {
			req.Header.Set("PRIVATE-TOKEN", token)
		}
	case "bitbucket":
		req, err = c.get(ctx, kind, "/2.0/user")
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "azure":
		req, err = c.get(ctx, kind, "/_apis/profile/profiles/me?api-version=6.0")
		if err == nil {
			basic := base64.StdEncoding.EncodeToString([]byte(":" + token))
			req.Header.Set("Authorization", "Basic "+basic)
		}
	default:
		return nil
	}
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return syncerr.New(syncerr.KindNetwork, "failed to reach %s API: %v", kind, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return syncerr.New(syncerr.KindAuth, "%s rejected the token (HTTP %d)", kind, resp.StatusCode)
	default:
		return syncerr.New(syncerr.KindUnknown, "%s API returned HTTP %d during token validation", kind, resp.StatusCode)
	}
}

// CheckWriteAccess verifies push permission on owner/repo where the provider
// API exposes it. Only implemented for GitHub; other providers report no
// result rather than a false negative.
func (c *Client) CheckWriteAccess(ctx context.Context, repoURL, token, owner, repo string) (bool, error) {
	if gitauth.DetectProvider(repoURL) != "github" {
		return true, nil
	}

	req, err := c.get(ctx, "github", fmt.Sprintf("/repos/%s/%s", owner, repo))
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, syncerr.New(syncerr.KindNetwork, "failed to reach github API: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, syncerr.New(syncerr.KindRepository, "repository %s/%s not found or token lacks read access", owner, repo)
	}
	if resp.StatusCode != http.StatusOK {
		return false, syncerr.New(syncerr.KindUnknown, "github API returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		Permissions struct {
			Push bool `json:"push"`
		} `json:"permissions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("failed to decode repository response: %w", err)
	}

	return body.Permissions.Push, nil
}

func (c *Client) get(ctx context.Context, kind, path string) (*http.Request, error) {
	base, ok := c.BaseURLs[kind]
	if !ok {
		return nil, fmt.Errorf("no API base URL for provider %q", kind)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
}
