// Package identity carries the current user through a request and resolves
// profile details from the identity provider when the session token lacks them.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/Million1701/Lulutracker-sub000/internal/model"
)

// ErrNotFound is returned when the identity provider has no such user.
var ErrNotFound = errors.New("identity not found")

// ErrNoSession is returned when a request carries no authenticated user.
var ErrNoSession = errors.New("no authenticated user")

type ctxKey struct{}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user model.User) context.Context {
	return context.WithValue(ctx, ctxKey{}, user)
}

// FromContext returns the user carried by ctx.
func FromContext(ctx context.Context) (model.User, bool) {
	user, ok := ctx.Value(ctxKey{}).(model.User)
	return user, ok && user.ID != ""
}

// CurrentUser returns the user carried by ctx or ErrNoSession.
func CurrentUser(ctx context.Context) (model.User, error) {
	user, ok := FromContext(ctx)
	if !ok {
		return model.User{}, ErrNoSession
	}
	return user, nil
}

// Client for interacting with the identity provider's user endpoint.
type Client struct {
	base string       // Base URL of the identity provider
	hc   *http.Client // HTTP client with custom configuration
}

// New creates a new identity client with the specified base URL.
// It configures appropriate timeouts for identity provider requests.
func New(baseURL string) *Client {
	// Configure HTTP transport with connection timeouts
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}

	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// Get fetches the profile of userID.
func (c *Client) Get(ctx context.Context, userID string) (model.User, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return model.User{}, fmt.Errorf("invalid identity URL: %w", err)
	}
	u = u.JoinPath("v1", "users", userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.User{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return model.User{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var user model.User
		if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
			return model.User{}, err
		}
		if user.ID == "" {
			user.ID = userID
		}
		return user, nil
	case http.StatusNotFound:
		return model.User{}, ErrNotFound
	default:
		return model.User{}, fmt.Errorf("identity get failed: %s", resp.Status)
	}
}
