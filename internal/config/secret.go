package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"

	"github.com/modrelay/teamsync/internal/util"
)

// Secret holds the credential material for one workspace as a map of
// key-value pairs. The type of the credential is declared inside the map.
//
// For example, a token credential looks like this (in YAML):
//
// team_token:
//
//	type: token_auth
//	token: ${MODRELAY_TEAM_TOKEN}
//
// String values may refer to environment variables with the ${VAR_NAME}
// syntax; they are expanded when the secret is resolved, not when the file is
// parsed, so the process environment at sync time wins.
//
// Supported types:
//
//   - "none" (or an empty secret) for anonymous access.
//   - "basic_auth" with "username" and "password".
//   - "token_auth" with "token" and an optional "provider" hint
//     (github, gitlab, bitbucket, azure, generic).
//   - "ssh_key" with "key" (private key PEM), optional "public_key" and
//     optional "passphrase".
type Secret struct {
	Name  string         `json:"-"`
	Value map[string]any `json:"-"`
}

func (s *Secret) MarshalYAML() (any, error) {
	if len(s.Value) == 0 {
		return map[string]any{}, nil
	}
	return s.Value, nil
}

func (s *Secret) UnmarshalYAML(bs []byte) error {
	if err := yaml.Unmarshal(bs, &s.Value); err != nil {
		return fmt.Errorf("expected mapping node: %w", err)
	}
	return nil
}

func (s *Secret) Equal(other *Secret) bool {
	return util.FastEqual(s, other, func(a, b *Secret) bool {
		return a.Name == b.Name && reflect.DeepEqual(a.Value, b.Value)
	})
}

// get expands environment variable references in string values.
func (s *Secret) get() map[string]any {
	value := make(map[string]any, len(s.Value))

	for k, v := range s.Value {
		switch v := v.(type) {
		case string:
			value[k] = os.ExpandEnv(v)
		default:
			value[k] = v
		}
	}

	return value
}

// Typed resolves the secret into one of the credential variants: nil for
// anonymous access, *SecretBasicAuth, *SecretTokenAuth or *SecretSSHKey.
func (s *Secret) Typed(context.Context) (any, error) {
	m := s.get()

	if len(m) == 0 {
		return nil, nil
	}

	switch m["type"] {
	case nil, "", "none":
		return nil, nil

	case "basic_auth":
		var value SecretBasicAuth
		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.Username == "" {
			return nil, fmt.Errorf("secret %q: missing username in basic_auth secret", s.Name)
		}
		return &value, nil

	case "token_auth":
		var value SecretTokenAuth
		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.Token == "" {
			return nil, fmt.Errorf("secret %q: missing token in token_auth secret", s.Name)
		}
		return &value, nil

	case "ssh_key":
		var value SecretSSHKey
		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.Key == "" {
			return nil, fmt.Errorf("secret %q: missing key in ssh_key secret", s.Name)
		}
		if !strings.Contains(value.Key, "PRIVATE KEY") {
			return nil, fmt.Errorf("secret %q: key does not look like a private key in PEM format", s.Name)
		}
		return &value, nil

	default:
		return nil, fmt.Errorf("secret %q: unknown secret type %q", s.Name, m["type"])
	}
}

// SecretRef points at a named secret. References inside a parsed Root are
// wired to their secrets so Resolve works without the Root at hand.
type SecretRef struct {
	Name string `json:"name"`

	value *Secret
}

func (ref *SecretRef) UnmarshalYAML(bs []byte) error {
	// Accept both a plain string and a mapping with a name key.
	var name string
	if err := yaml.Unmarshal(bs, &name); err == nil {
		ref.Name = name
		return nil
	}

	type rawRef SecretRef
	var raw rawRef
	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return err
	}
	ref.Name = raw.Name
	return nil
}

func (ref *SecretRef) MarshalYAML() (any, error) {
	return ref.Name, nil
}

// NewSecretRef returns a reference already bound to its secret. Used by
// embedders that supply credential material directly instead of through a
// parsed configuration file.
func NewSecretRef(secret *Secret) *SecretRef {
	return &SecretRef{Name: secret.Name, value: secret}
}

// Resolve returns the typed credential value behind the reference.
func (ref *SecretRef) Resolve(ctx context.Context) (any, error) {
	if ref == nil {
		return nil, nil
	}
	if ref.value == nil {
		return nil, fmt.Errorf("secret %q: %w", ref.Name, ErrNoSecret)
	}
	return ref.value.Typed(ctx)
}

func (ref *SecretRef) Equal(other *SecretRef) bool {
	return util.FastEqual(ref, other, func(a, b *SecretRef) bool { return a.Name == b.Name })
}

type SecretBasicAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SecretTokenAuth struct {
	Token    string `json:"token"`
	Provider string `json:"provider,omitempty"` // optional hint, otherwise detected from the host
}

type SecretSSHKey struct {
	Key        string `json:"key"`                  // private key as PEM
	PublicKey  string `json:"public_key,omitempty"` // optional
	Passphrase string `json:"passphrase,omitempty"` // optional
}

// decode maps a secret value onto a typed struct reusing the json tags.
func decode(input any, output any) error {
	config := &mapstructure.DecoderConfig{
		TagName:  "json",
		Metadata: nil,
		Result:   output,
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}
