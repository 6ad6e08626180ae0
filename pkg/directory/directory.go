// Package directory implements the cross-replica client directory: a
// TTL-leased map from client ID to owning replica, plus per-client metadata
// and an API-key membership set, shared through an external key/value store.
package directory

import (
	"context"
	"time"
)

type NotFoundError struct {
	ClientId string
}

func (e *NotFoundError) Error() string {
	return "Client not found in directory"
}

// ClientRecord is the directory's view of one connected peer.
type ClientRecord struct {
	ClientId       string
	ApiKey         string
	ReplicaId      string
	WorldId        string
	WorldTitle     string
	FoundryVersion string
	SystemId       string
	SystemTitle    string
	SystemVersion  string
	CustomName     string
	ConnectedSince time.Time
	LastSeen       time.Time
}

// Directory is the Global Directory collaborator. Every operation carries
// its own short deadline; callers treat any error as "not found" and fall
// back to local-only routing.
type Directory interface {
	// Register upserts the full record with the given TTL.
	Register(ctx context.Context, rec ClientRecord, ttl time.Duration) error

	// Lookup resolves the replica that owns clientId.
	Lookup(ctx context.Context, clientId string) (replicaId string, err error)

	// Refresh renews the TTL lease on every key of clientId and bumps
	// lastSeen.
	Refresh(ctx context.Context, clientId string, ttl time.Duration) error

	// Remove deletes the record, but only while replicaId is still the
	// registered owner. A replica never deletes a record a newer session
	// on another replica has claimed.
	Remove(ctx context.Context, clientId string, replicaId string, apiKey string) error

	// ClientsForKey lists the records registered under apiKey.
	ClientsForKey(ctx context.Context, apiKey string) ([]ClientRecord, error)

	Close() error
}

// Disabled is the directory used when no store is configured: lookups miss,
// writes succeed silently, and the relay routes against local state only.
type Disabled struct{}

func (Disabled) Register(context.Context, ClientRecord, time.Duration) error { return nil }

func (Disabled) Lookup(_ context.Context, clientId string) (string, error) {
	return "", &NotFoundError{ClientId: clientId}
}

func (Disabled) Refresh(context.Context, string, time.Duration) error { return nil }

func (Disabled) Remove(context.Context, string, string, string) error { return nil }

func (Disabled) ClientsForKey(context.Context, string) ([]ClientRecord, error) {
	return nil, nil
}

func (Disabled) Close() error { return nil }
