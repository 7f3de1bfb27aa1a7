// Package session owns every live browser, page and element handle. It
// enforces capacity, cascades teardown and reclaims idle browsers.
//
// Handles are opaque ids over a central registry; handle objects carry
// no back-pointers. Registry locks are never held across a CDP
// round-trip.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sbilly/chaser/internal/cdp"
	"github.com/sbilly/chaser/internal/config"
	"github.com/sbilly/chaser/internal/errs"
	"github.com/sbilly/chaser/internal/event"
	"github.com/sbilly/chaser/internal/launch"
	"github.com/sbilly/chaser/internal/stealth"
)

// closeGrace bounds how long a page close waits for the
// Target.targetDestroyed confirmation before removing the page anyway.
const closeGrace = 5 * time.Second

// pumpBuffer is the transport-side queue for per-page event pumps.
const pumpBuffer = 512

// Registry is the session fabric.
type Registry struct {
	cfg      config.Config
	logger   logrus.FieldLogger
	launcher launch.Launcher
	events   *event.Dispatcher
	injector *stealth.Injector

	mu              sync.RWMutex
	browsers        map[string]*Browser
	pages           map[string]*Page
	elementIndex    map[string]string // element id → page id
	pendingBrowsers int
	pendingPages    int
	draining        bool

	wg sync.WaitGroup
}

// NewRegistry builds the registry.
func NewRegistry(cfg config.Config, logger logrus.FieldLogger, launcher launch.Launcher, events *event.Dispatcher, injector *stealth.Injector) *Registry {
	return &Registry{
		cfg:          cfg,
		logger:       logger,
		launcher:     launcher,
		events:       events,
		injector:     injector,
		browsers:     make(map[string]*Browser),
		pages:        make(map[string]*Page),
		elementIndex: make(map[string]string),
	}
}

// Start runs the idle-reclamation sweep until ctx is canceled.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.ReclaimIdle(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// CreateBrowser launches a browser, dials its transport and registers
// the handle. Fails with CAPACITY at the browser cap.
func (r *Registry) CreateBrowser(ctx context.Context, opts launch.Options) (*Browser, error) {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil, errs.New(errs.CodeInternal, "registry is shutting down")
	}
	if len(r.browsers)+r.pendingBrowsers >= r.cfg.MaxBrowsers {
		r.mu.Unlock()
		return nil, errs.New(errs.CodeCapacity, "browser cap %d reached", r.cfg.MaxBrowsers)
	}
	r.pendingBrowsers++
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		r.pendingBrowsers--
		r.mu.Unlock()
	}

	res, err := r.launcher.Launch(ctx, opts)
	if err != nil {
		release()
		return nil, err
	}

	transport, err := cdp.Dial(ctx, res.WSURL, r.logger,
		cdp.WithDefaultTimeout(r.cfg.DefaultCommandTimeout))
	if err != nil {
		release()
		res.Proc.Stop()
		return nil, err
	}

	if err := target.SetDiscoverTargets(true).
		Do(cdpruntime.WithExecutor(ctx, transport.Session(""))); err != nil {
		release()
		transport.Shutdown()
		return nil, err
	}

	b := &Browser{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Options:   opts,
		transport: transport,
		proc:      res.Proc,
		pages:     make(map[string]*Page),
	}
	b.Touch()

	r.mu.Lock()
	r.pendingBrowsers--
	r.browsers[b.ID] = b
	r.mu.Unlock()

	r.startBrowserPump(b)
	r.watchTransport(b)

	r.logger.WithField("browser_id", b.ID).Info("browser registered")
	return b, nil
}

// GetBrowser resolves a browser handle.
func (r *Registry) GetBrowser(id string) (*Browser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.browsers[id]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "unknown browser %q", id)
	}
	return b, nil
}

// Browsers snapshots the live browser handles.
func (r *Registry) Browsers() []*Browser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Browser, 0, len(r.browsers))
	for _, b := range r.browsers {
		out = append(out, b)
	}
	return out
}

// GetPage resolves a page handle.
func (r *Registry) GetPage(id string) (*Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pages[id]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "unknown page %q", id)
	}
	return p, nil
}

// GetElement resolves an element handle together with its owning page.
// Fails with STALE when the page navigated since the handle was minted.
func (r *Registry) GetElement(id string) (*Page, *Element, error) {
	r.mu.RLock()
	pageID, ok := r.elementIndex[id]
	p := r.pages[pageID]
	r.mu.RUnlock()
	if !ok || p == nil {
		return nil, nil, errs.New(errs.CodeNotFound, "unknown element %q", id)
	}
	el, err := p.Element(id)
	if err != nil {
		return nil, nil, err
	}
	return p, el, nil
}

// CreateElement mints an element handle on a page and indexes it.
func (r *Registry) CreateElement(p *Page, backendNodeID cdpruntime.BackendNodeID, objectID string) *Element {
	el := p.AddElement(backendNodeID, objectID)
	r.mu.Lock()
	r.elementIndex[el.ID] = p.ID
	r.mu.Unlock()
	return el
}

// CreatePage creates a page target on a browser, attaches a flat
// session, enables the domain set and applies the browser's bound
// stealth profile before any navigation.
func (r *Registry) CreatePage(ctx context.Context, browserID, initialURL string) (*Page, error) {
	b, err := r.GetBrowser(browserID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.pages)+r.pendingPages >= r.cfg.MaxPagesTotal {
		r.mu.Unlock()
		return nil, errs.New(errs.CodeCapacity, "total page cap %d reached", r.cfg.MaxPagesTotal)
	}
	if b.PageCount() >= r.cfg.MaxPagesPerBrowser {
		r.mu.Unlock()
		return nil, errs.New(errs.CodeCapacity, "per-browser page cap %d reached", r.cfg.MaxPagesPerBrowser)
	}
	r.pendingPages++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.pendingPages--
		r.mu.Unlock()
	}()

	bctx := cdpruntime.WithExecutor(ctx, b.Executor())

	targetID, err := target.CreateTarget("about:blank").Do(bctx)
	if err != nil {
		return nil, r.browserErr(b, err)
	}
	sessionID, err := target.AttachToTarget(targetID).WithFlatten(true).Do(bctx)
	if err != nil {
		return nil, r.browserErr(b, err)
	}

	p := &Page{
		ID:        uuid.NewString(),
		BrowserID: b.ID,
		TargetID:  targetID,
		SessionID: sessionID,
		CreatedAt: time.Now(),
		transport: b.transport,
		elements:  make(map[string]*Element),
		destroyed: make(chan struct{}),
	}

	// Subscribe before enabling domains so the pump misses nothing.
	p.pump = b.transport.Subscribe("", sessionID, pumpBuffer)

	pctx := cdpruntime.WithExecutor(ctx, p.Executor())
	for _, enable := range []func() error{
		func() error { return page.Enable().Do(pctx) },
		func() error { return runtime.Enable().Do(pctx) },
		func() error { return network.Enable().Do(pctx) },
		func() error { return dom.Enable().Do(pctx) },
	} {
		if err := enable(); err != nil {
			p.pump.Close()
			return nil, r.browserErr(b, err)
		}
	}

	if prof := b.Profile(); prof != nil {
		scriptID, err := r.injector.Apply(ctx, p.Executor(), prof)
		if err != nil {
			p.pump.Close()
			return nil, r.browserErr(b, err)
		}
		p.SetProfile(prof.ID, scriptID)
	}

	r.mu.Lock()
	r.pages[p.ID] = p
	r.mu.Unlock()
	b.addPage(p)

	r.startPagePump(b, p)

	if initialURL != "" {
		if _, _, errText, err := page.Navigate(initialURL).Do(pctx); err != nil {
			r.logger.WithError(err).WithField("page_id", p.ID).Warn("initial navigation failed")
		} else if errText != "" {
			r.logger.WithFields(logrus.Fields{"page_id": p.ID, "error_text": errText}).
				Warn("initial navigation failed")
		}
	}

	b.Touch()
	p.Touch()
	r.logger.WithFields(logrus.Fields{
		"browser_id": b.ID,
		"page_id":    p.ID,
		"target_id":  targetID,
	}).Debug("page registered")
	return p, nil
}

// browserErr maps transport failures onto BROWSER_GONE.
func (r *Registry) browserErr(b *Browser, err error) error {
	if errs.Is(err, errs.CodeTransportClosed) || b.transport.Status() != cdp.StatusOpen {
		return errs.Wrap(errs.CodeBrowserGone, err, "browser %s is gone", b.ID)
	}
	return err
}

// ClosePage closes one page: Target.closeTarget, then removal on the
// targetDestroyed notification or after the grace period, whichever
// comes first.
func (r *Registry) ClosePage(ctx context.Context, pageID string) error {
	p, err := r.GetPage(pageID)
	if err != nil {
		return err
	}
	b, err := r.GetBrowser(p.BrowserID)
	if err != nil {
		return err
	}

	if b.transport.Status() == cdp.StatusOpen {
		if err := target.CloseTarget(p.TargetID).
			Do(cdpruntime.WithExecutor(ctx, b.Executor())); err != nil {
			r.logger.WithError(err).WithField("page_id", p.ID).Debug("closeTarget failed")
		}
		select {
		case <-p.Destroyed():
		case <-time.After(closeGrace):
			r.logger.WithField("page_id", p.ID).Warn("no targetDestroyed within grace; removing anyway")
		case <-ctx.Done():
		}
	}

	r.removePage(b, p)
	b.Touch()
	return nil
}

// removePage unregisters a page and invalidates its elements. It is
// idempotent; both explicit closes and unsolicited targetDestroyed
// notifications land here.
func (r *Registry) removePage(b *Browser, p *Page) {
	r.mu.Lock()
	if _, ok := r.pages[p.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pages, p.ID)
	for id, pageID := range r.elementIndex {
		if pageID == p.ID {
			delete(r.elementIndex, id)
		}
	}
	r.mu.Unlock()

	b.removePage(p.ID)
	p.invalidateElements()
	p.markDestroyed()
	p.pump.Close()
	r.events.PageClosed(p.ID, b.ID)
	r.logger.WithField("page_id", p.ID).Debug("page removed")
}

// CloseBrowser cascades: close every page under a snapshot, then shut
// the transport down and drop the handle.
func (r *Registry) CloseBrowser(ctx context.Context, browserID string) error {
	b, err := r.GetBrowser(browserID)
	if err != nil {
		return err
	}
	if !b.closing.CompareAndSwap(false, true) {
		return nil
	}

	alive := b.transport.Status() == cdp.StatusOpen
	for _, p := range b.snapshotPages() {
		if alive {
			if err := r.ClosePage(ctx, p.ID); err != nil && !errs.Is(err, errs.CodeNotFound) {
				r.logger.WithError(err).WithField("page_id", p.ID).Debug("page close during cascade")
			}
		} else {
			r.removePage(b, p)
		}
	}

	if alive {
		// Ask the process to exit cleanly before dropping the socket.
		closeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := browser.Close().Do(cdpruntime.WithExecutor(closeCtx, b.Executor())); err != nil {
			r.logger.WithError(err).WithField("browser_id", b.ID).Debug("browser close command failed")
		}
		cancel()
	}
	b.transport.Shutdown()

	r.mu.Lock()
	delete(r.browsers, b.ID)
	r.mu.Unlock()

	r.logger.WithField("browser_id", b.ID).Info("browser closed")
	return nil
}

// ReclaimIdle closes browsers idle beyond the session timeout, plus any
// whose transport already died.
func (r *Registry) ReclaimIdle(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.SessionTimeout)
	for _, b := range r.Browsers() {
		idle := b.LastActivity().Before(cutoff)
		dead := b.transport.Status() == cdp.StatusClosed
		if !idle && !dead {
			continue
		}
		r.logger.WithFields(logrus.Fields{
			"browser_id": b.ID,
			"idle":       idle,
			"dead":       dead,
		}).Info("reclaiming browser")
		if err := r.CloseBrowser(ctx, b.ID); err != nil && !errs.Is(err, errs.CodeNotFound) {
			r.logger.WithError(err).WithField("browser_id", b.ID).Warn("reclaim failed")
		}
	}
}

// Shutdown stops intake, closes every browser in parallel and waits for
// the pumps, bounded by the configured grace.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownGrace)
	defer cancel()

	var g errgroup.Group
	for _, b := range r.Browsers() {
		b := b
		g.Go(func() error { return r.CloseBrowser(ctx, b.ID) })
	}
	err := g.Wait()

	pumpsDone := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(pumpsDone)
	}()
	select {
	case <-pumpsDone:
	case <-ctx.Done():
		r.logger.Warn("shutdown grace elapsed before pumps drained")
	}
	return err
}

// startPagePump routes the page session's notifications: epoch advances
// on main-frame navigation happen before the event is visible anywhere.
func (r *Registry) startPagePump(b *Browser, p *Page) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for note := range p.pump.C() {
			ev, ok := event.FromCDP(note, p.ID, b.ID)
			if !ok {
				continue
			}
			if ev.Kind == event.KindPageNavigated {
				if pp, isPage := ev.Payload.(event.PagePayload); isPage {
					p.advanceEpoch(pp.URL)
				}
			}
			r.events.Publish(ev)
		}
	}()
}

// startBrowserPump watches browser-wide Target lifecycle notifications:
// page targets created outside createPage get announced, and
// targetDestroyed removes pages whether solicited or not.
func (r *Registry) startBrowserPump(b *Browser) {
	sub := b.transport.Subscribe("Target.", "", pumpBuffer)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for note := range sub.C() {
			switch note.Method {
			case "Target.targetCreated":
				ev, ok := event.FromCDP(note, "", b.ID)
				if !ok {
					continue
				}
				r.events.Publish(ev)

			case "Target.targetDestroyed":
				var params struct {
					TargetID target.ID `json:"targetId"`
				}
				if err := json.Unmarshal(note.Params, &params); err != nil {
					continue
				}
				if p := b.pageByTarget(params.TargetID); p != nil {
					p.markDestroyed()
					r.removePage(b, p)
				}
			}
		}
	}()
}

// watchTransport reclaims the browser as soon as its transport dies.
func (r *Registry) watchTransport(b *Browser) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		<-b.transport.Done()
		if b.closing.Load() {
			return
		}
		r.logger.WithField("browser_id", b.ID).Warn("transport died; reclaiming browser")
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		defer cancel()
		if err := r.CloseBrowser(ctx, b.ID); err != nil && !errs.Is(err, errs.CodeNotFound) {
			r.logger.WithError(err).WithField("browser_id", b.ID).Warn("dead-transport reclaim failed")
		}
	}()
}
