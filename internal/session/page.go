package session

import (
	"sync"
	"sync/atomic"
	"time"

	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"

	"github.com/sbilly/chaser/internal/cdp"
	"github.com/sbilly/chaser/internal/errs"
)

// Page is a handle onto one attached CDP page target.
type Page struct {
	ID        string
	BrowserID string
	TargetID  target.ID
	SessionID target.SessionID
	CreatedAt time.Time

	transport *cdp.Transport

	lastActivity atomic.Int64

	// epoch advances on every main-frame navigation; element handles
	// carry the epoch they were minted under.
	epoch atomic.Uint64

	mu        sync.Mutex
	url       string
	navigated bool
	scriptIDs []page.ScriptIdentifier
	profileID string
	elements  map[string]*Element

	// destroyed is closed when Target.targetDestroyed is observed for
	// this page (or close gives up waiting).
	destroyed   chan struct{}
	destroyOnce sync.Once

	pump *cdp.Subscription
}

// Executor returns the page-session executor for cdproto builders.
func (p *Page) Executor() cdpruntime.Executor {
	return p.transport.Session(p.SessionID)
}

// Transport returns the owning browser's transport.
func (p *Page) Transport() *cdp.Transport { return p.transport }

// Touch stamps last activity.
func (p *Page) Touch() {
	p.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the most recent activity stamp.
func (p *Page) LastActivity() time.Time {
	return time.Unix(0, p.lastActivity.Load())
}

// Epoch returns the current navigation epoch.
func (p *Page) Epoch() uint64 {
	return p.epoch.Load()
}

// URL returns the last known main-frame URL (best effort).
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Navigated reports whether the page has seen any main-frame
// navigation. Stealth profiles require a fresh page or a reload.
func (p *Page) Navigated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.navigated
}

// advanceEpoch records a main-frame navigation: the epoch moves before
// any subsequent interaction proceeds, so every previously issued
// element handle is stale from here on.
func (p *Page) advanceEpoch(url string) {
	p.epoch.Add(1)
	p.mu.Lock()
	p.url = url
	p.navigated = true
	p.mu.Unlock()
}

// AddElement mints an element handle under the current epoch.
func (p *Page) AddElement(backendNodeID cdpruntime.BackendNodeID, objectID string) *Element {
	el := &Element{
		ID:            uuid.NewString(),
		PageID:        p.ID,
		BackendNodeID: backendNodeID,
		ObjectID:      runtime.RemoteObjectID(objectID),
		Epoch:         p.Epoch(),
	}
	p.mu.Lock()
	p.elements[el.ID] = el
	p.mu.Unlock()
	return el
}

// Element resolves an element handle, failing with STALE when its epoch
// no longer matches the page.
func (p *Page) Element(id string) (*Element, error) {
	p.mu.Lock()
	el, ok := p.elements[id]
	p.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "unknown element %q", id)
	}
	if el.Epoch != p.Epoch() {
		return nil, errs.New(errs.CodeStale, "element %q predates the page's last navigation", id)
	}
	return el, nil
}

// invalidateElements removes every element handle.
func (p *Page) invalidateElements() {
	p.mu.Lock()
	p.elements = make(map[string]*Element)
	p.mu.Unlock()
}

// SetProfile records the applied stealth profile and its script id.
func (p *Page) SetProfile(profileID string, scriptID page.ScriptIdentifier) {
	p.mu.Lock()
	p.profileID = profileID
	if scriptID != "" {
		p.scriptIDs = append(p.scriptIDs, scriptID)
	}
	p.mu.Unlock()
}

// ProfileID returns the currently applied stealth profile id, if any.
func (p *Page) ProfileID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profileID
}

// TakeScriptIDs returns and clears the installed init-script ids, for
// removal on profile swap.
func (p *Page) TakeScriptIDs() []page.ScriptIdentifier {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.scriptIDs
	p.scriptIDs = nil
	return out
}

// markDestroyed records the target-gone notification.
func (p *Page) markDestroyed() {
	p.destroyOnce.Do(func() { close(p.destroyed) })
}

// Destroyed is closed once the underlying target is gone.
func (p *Page) Destroyed() <-chan struct{} { return p.destroyed }
