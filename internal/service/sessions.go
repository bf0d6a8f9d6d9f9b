package service

import (
	"context"
	"sync"

	"listsync/internal/client/letterboxd"
)

// RemoteClient is the slice of the Letterboxd client the reconciler needs.
type RemoteClient interface {
	Login(ctx context.Context) error
	FetchAllPages(ctx context.Context, listURL string) ([]letterboxd.MovieEntry, error)
	FetchAllLists(ctx context.Context, username string) ([]letterboxd.ListSummary, error)
	FetchListID(ctx context.Context, listURL string) (string, error)
	AddMovie(ctx context.Context, filmID, listID string) error
	RemoveMovie(ctx context.Context, filmID, listURL string) error
}

// ClientFactory builds a client for one account's credentials.
type ClientFactory func(username, password string) (RemoteClient, error)

// SessionCache keeps one logged-in client per member so a reconciliation pass
// does not repeat the login handshake for every operation.
type SessionCache struct {
	factory ClientFactory

	mu      sync.Mutex
	clients map[uint]RemoteClient
}

func NewSessionCache(factory ClientFactory) *SessionCache {
	return &SessionCache{
		factory: factory,
		clients: make(map[uint]RemoteClient),
	}
}

// Get returns the cached session for a member, creating and logging in a new
// client on a miss.
func (c *SessionCache) Get(ctx context.Context, memberID uint, username, password string) (RemoteClient, error) {
	c.mu.Lock()
	if client, ok := c.clients[memberID]; ok {
		c.mu.Unlock()
		return client, nil
	}
	c.mu.Unlock()

	client, err := c.factory(username, password)
	if err != nil {
		return nil, err
	}
	if err := client.Login(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.clients[memberID]; ok {
		return existing, nil
	}
	c.clients[memberID] = client
	return client, nil
}

// Evict drops a member's session; the next Get logs in fresh. Called when a
// session starts failing, usually because the cookie expired.
func (c *SessionCache) Evict(memberID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, memberID)
}
