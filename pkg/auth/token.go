// Package auth defines the credential supplier boundary. The interactive
// OAuth consent flow lives outside this module: the engine only consumes
// an oauth2.TokenSource that either returns a usable access token or
// fails, which surfaces as an auth-class error.
package auth

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/oauth2"
)

// StaticToken wraps a fixed access token as a TokenSource. Intended for
// the CLI and tests; long imports should inject a refreshing source.
func StaticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
}

// SourceFunc adapts a function to oauth2.TokenSource.
type SourceFunc func() (*oauth2.Token, error)

// Token implements oauth2.TokenSource.
func (f SourceFunc) Token() (*oauth2.Token, error) { return f() }

// tokenFile is the subset of the stored token file the CLI reads.
type tokenFile struct {
	Token string `json:"token"`
}

// FileToken reads an access token from a JSON token file with a "token"
// field, the format written by the external auth collaborator.
func FileToken(path string) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	if tf.Token == "" {
		return nil, fmt.Errorf("token file %s has no token", path)
	}
	return StaticToken(tf.Token), nil
}
