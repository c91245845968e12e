// Package push shows OS-level notifications through the user's browser session.
// The browser owns the permission prompt; the session presenter relays requests
// to it as frames and tracks the answer it reports back.
package push

import (
	"context"
	"errors"
	"sync"
)

// Permission mirrors the browser notification permission.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Valid reports whether p is a known permission value.
func (p Permission) Valid() bool {
	return p == PermissionDefault || p == PermissionGranted || p == PermissionDenied
}

// Frame types sent to the browser
const (
	FramePermissionRequest = "permission_request"
	FrameNotification      = "notification"
)

var (
	ErrUnsupported  = errors.New("push: notifications unsupported")
	ErrNotPermitted = errors.New("push: permission not granted")
)

// Message is an OS notification.
type Message struct {
	Title              string            `json:"title"`
	Body               string            `json:"body"`
	Tag                string            `json:"tag,omitempty"` // Replaces an earlier notification with the same tag
	Data               map[string]string `json:"data,omitempty"`
	RequireInteraction bool              `json:"requireInteraction,omitempty"`
}

// Presenter displays notifications outside the page.
type Presenter interface {
	IsSupported() bool
	PermissionStatus() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	ShowNotification(ctx context.Context, msg Message) error
}

// Sender delivers a frame to the browser session.
type Sender interface {
	Send(frameType string, payload any) error
}

// SessionPresenter implements Presenter over a browser session.
type SessionPresenter struct {
	sender Sender

	mu         sync.Mutex
	supported  bool
	permission Permission
	waiters    []chan Permission
}

// NewSessionPresenter creates a presenter for a session that starts unsupported
// until the browser reports its capabilities.
func NewSessionPresenter(sender Sender) *SessionPresenter {
	return &SessionPresenter{sender: sender, permission: PermissionDefault}
}

// Report records what the browser said about support and permission.
// Pending RequestPermission calls return once the permission is no longer default.
func (p *SessionPresenter) Report(supported bool, permission Permission) {
	if !permission.Valid() {
		permission = PermissionDefault
	}

	p.mu.Lock()
	p.supported = supported
	p.permission = permission
	var waiters []chan Permission
	if permission != PermissionDefault || !supported {
		waiters, p.waiters = p.waiters, nil
	}
	p.mu.Unlock()

	for _, w := range waiters {
		w <- permission
	}
}

func (p *SessionPresenter) IsSupported() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.supported
}

func (p *SessionPresenter) PermissionStatus() Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission
}

// RequestPermission asks the browser to prompt the user. A decided permission is
// returned without prompting again.
func (p *SessionPresenter) RequestPermission(ctx context.Context) (Permission, error) {
	p.mu.Lock()
	if !p.supported {
		p.mu.Unlock()
		return PermissionDenied, ErrUnsupported
	}
	if p.permission != PermissionDefault {
		perm := p.permission
		p.mu.Unlock()
		return perm, nil
	}
	w := make(chan Permission, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	if err := p.sender.Send(FramePermissionRequest, nil); err != nil {
		p.dropWaiter(w)
		return PermissionDefault, err
	}

	select {
	case perm := <-w:
		return perm, nil
	case <-ctx.Done():
		p.dropWaiter(w)
		return PermissionDefault, ctx.Err()
	}
}

func (p *SessionPresenter) dropWaiter(w chan Permission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// ShowNotification sends msg to the browser when it is supported and permitted.
func (p *SessionPresenter) ShowNotification(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	supported, perm := p.supported, p.permission
	p.mu.Unlock()

	if !supported {
		return ErrUnsupported
	}
	if perm != PermissionGranted {
		return ErrNotPermitted
	}
	return p.sender.Send(FrameNotification, msg)
}

// Nop is a presenter for sessions that cannot show notifications.
type Nop struct{}

func (Nop) IsSupported() bool            { return false }
func (Nop) PermissionStatus() Permission { return PermissionDenied }
func (Nop) RequestPermission(ctx context.Context) (Permission, error) {
	return PermissionDenied, ErrUnsupported
}
func (Nop) ShowNotification(ctx context.Context, msg Message) error { return ErrUnsupported }
