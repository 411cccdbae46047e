package stream

import (
	"context"
	"errors"
)

// Identity represents an authenticated stream client.
type Identity struct {
	// Subject is the authenticated user ID.
	Subject string `json:"subject"`
}

// Authenticator validates a stream credential and returns an identity.
// The credential arrives as a query parameter because EventSource
// clients cannot set custom headers.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// ErrUnauthorized indicates authentication failure.
var ErrUnauthorized = errors.New("stream: unauthorized")

// APIKeyEntry maps a token to an identity.
type APIKeyEntry struct {
	Token    string
	Identity Identity
}

// APIKeyAuthenticator validates tokens against a static list.
type APIKeyAuthenticator struct {
	keys map[string]*Identity
}

// NewAPIKeyAuthenticator creates an API key authenticator.
func NewAPIKeyAuthenticator(entries ...APIKeyEntry) *APIKeyAuthenticator {
	keys := make(map[string]*Identity, len(entries))
	for _, e := range entries {
		identity := e.Identity
		keys[e.Token] = &identity
	}
	return &APIKeyAuthenticator{keys: keys}
}

func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	identity, ok := a.keys[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	return identity, nil
}

// NoopAuthenticator accepts all tokens with an anonymous identity.
// Use for development only.
type NoopAuthenticator struct{}

func (a *NoopAuthenticator) Authenticate(_ context.Context, _ string) (*Identity, error) {
	return &Identity{Subject: "anonymous"}, nil
}

// CompositeAuthenticator tries multiple authenticators in order.
// The first successful authentication wins.
type CompositeAuthenticator struct {
	authenticators []Authenticator
}

// NewCompositeAuthenticator chains multiple authenticators.
func NewCompositeAuthenticator(auths ...Authenticator) *CompositeAuthenticator {
	return &CompositeAuthenticator{authenticators: auths}
}

func (a *CompositeAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	for _, auth := range a.authenticators {
		identity, err := auth.Authenticate(ctx, token)
		if err == nil {
			return identity, nil
		}
	}
	return nil, ErrUnauthorized
}
