package session

import (
	"sync"
	"sync/atomic"
	"time"

	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/sbilly/chaser/internal/cdp"
	"github.com/sbilly/chaser/internal/launch"
	"github.com/sbilly/chaser/internal/stealth"
)

// Browser owns one transport and the pages attached through it. All
// pages are closed before the transport is shut down.
type Browser struct {
	ID        string
	CreatedAt time.Time

	// Options is the launch configuration snapshot.
	Options launch.Options

	transport *cdp.Transport
	proc      launch.Process

	// lastActivity is stamped (unix nanos) whenever a driver primitive
	// resolves this browser or one of its pages or elements. The stamp is
	// taken before the command is sent, so a command that then fails
	// still counts as activity.
	lastActivity atomic.Int64

	// closing flips once so the cascade runs exactly once.
	closing atomic.Bool

	mu      sync.RWMutex
	pages   map[string]*Page
	profile *stealth.Profile // bound stealth profile, applied to new pages
}

// Transport returns the browser's CDP transport.
func (b *Browser) Transport() *cdp.Transport { return b.transport }

// Executor returns a browser-endpoint executor (no session scope).
func (b *Browser) Executor() cdpruntime.Executor { return b.transport.Session("") }

// Touch stamps last activity.
func (b *Browser) Touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the most recent activity stamp.
func (b *Browser) LastActivity() time.Time {
	return time.Unix(0, b.lastActivity.Load())
}

// BindProfile sets the stealth profile applied to pages created from
// now on. It does not retrofit existing pages.
func (b *Browser) BindProfile(p *stealth.Profile) {
	b.mu.Lock()
	b.profile = p
	b.mu.Unlock()
}

// Profile returns the bound stealth profile, if any.
func (b *Browser) Profile() *stealth.Profile {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.profile
}

// PageCount returns the number of live pages.
func (b *Browser) PageCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pages)
}

// snapshotPages copies the page set so the cascade never iterates under
// the browser lock.
func (b *Browser) snapshotPages() []*Page {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Page, 0, len(b.pages))
	for _, p := range b.pages {
		out = append(out, p)
	}
	return out
}

func (b *Browser) addPage(p *Page) {
	b.mu.Lock()
	b.pages[p.ID] = p
	b.mu.Unlock()
}

func (b *Browser) removePage(id string) {
	b.mu.Lock()
	delete(b.pages, id)
	b.mu.Unlock()
}

func (b *Browser) pageByTarget(id target.ID) *Page {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.pages {
		if p.TargetID == id {
			return p
		}
	}
	return nil
}
