// Package auth defines the authentication collaborator the relay calls
// during the WebSocket handshake and before dispatching requests. Real
// deployments plug in a billing-aware implementation; the static key set
// below is what ships with the gateway binary.
package auth

import (
	"context"
	"fmt"
	"strings"
)

type InvalidTokenError struct{}

func (e *InvalidTokenError) Error() string {
	return "Invalid or unknown API token"
}

type KeyNotAuthorizedError struct {
	ClientId string
}

func (e *KeyNotAuthorizedError) Error() string {
	return fmt.Sprintf("API key is not authorized for client %s", e.ClientId)
}

// Authenticator validates peer handshake tokens and authorizes API keys
// against target client IDs.
type Authenticator interface {
	// ValidateToken checks the token a peer presents on handshake and
	// returns the API key it binds to.
	ValidateToken(ctx context.Context, token string) (apiKey string, err error)

	// Authorize checks that apiKey may address targetClientId.
	Authorize(ctx context.Context, apiKey string, targetClientId string) error
}

// StaticKeys authenticates against a fixed key set: the handshake token is
// the API key itself, and any known key may address any client. An empty
// set accepts every non-empty token.
type StaticKeys struct {
	keys map[string]struct{}
}

// NewStaticKeys builds an authenticator from a comma-separated key list.
func NewStaticKeys(keyList string) *StaticKeys {
	keys := make(map[string]struct{})
	for _, k := range strings.Split(keyList, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys[k] = struct{}{}
		}
	}
	return &StaticKeys{keys: keys}
}

func (a *StaticKeys) ValidateToken(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", &InvalidTokenError{}
	}
	if len(a.keys) == 0 {
		return token, nil
	}
	if _, has := a.keys[token]; !has {
		return "", &InvalidTokenError{}
	}
	return token, nil
}

func (a *StaticKeys) Authorize(_ context.Context, apiKey string, targetClientId string) error {
	if apiKey == "" {
		return &KeyNotAuthorizedError{ClientId: targetClientId}
	}
	if len(a.keys) == 0 {
		return nil
	}
	if _, has := a.keys[apiKey]; !has {
		return &KeyNotAuthorizedError{ClientId: targetClientId}
	}
	return nil
}
