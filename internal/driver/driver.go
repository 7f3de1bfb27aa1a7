// Package driver implements the high-level interaction primitives the
// RPC surface maps 1:1: navigate, find, click, type, evaluate,
// screenshot and friends. Each primitive resolves its target through the
// session registry, stamps activity and issues CDP commands through the
// page's executor, threading humanized input through the behavior
// synthesizer when asked to.
package driver

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sbilly/chaser/internal/behavior"
	"github.com/sbilly/chaser/internal/config"
	"github.com/sbilly/chaser/internal/errs"
	"github.com/sbilly/chaser/internal/event"
	"github.com/sbilly/chaser/internal/launch"
	"github.com/sbilly/chaser/internal/session"
	"github.com/sbilly/chaser/internal/stealth"
)

// Driver executes interaction primitives against registry sessions.
type Driver struct {
	cfg      config.Config
	logger   logrus.FieldLogger
	registry *session.Registry
	events   *event.Dispatcher
	catalog  *stealth.Catalog
	injector *stealth.Injector

	// behaviorSeed, when non-zero, makes humanized input deterministic.
	behaviorSeed int64

	// cursor tracks the last emitted cursor position per page, so
	// consecutive humanized gestures chain from a plausible origin.
	cursorMu sync.Mutex
	cursor   map[string][2]float64
}

// Option configures a Driver.
type Option func(*Driver)

// WithBehaviorSeed pins the humanized-input randomness, for tests.
func WithBehaviorSeed(seed int64) Option {
	return func(d *Driver) { d.behaviorSeed = seed }
}

// New wires a Driver over its collaborators.
func New(cfg config.Config, logger logrus.FieldLogger, registry *session.Registry, events *event.Dispatcher, catalog *stealth.Catalog, injector *stealth.Injector, opts ...Option) *Driver {
	d := &Driver{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		events:   events,
		catalog:  catalog,
		injector: injector,
		cursor:   make(map[string][2]float64),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Driver) synthesizer() *behavior.Synthesizer {
	if d.behaviorSeed != 0 {
		return behavior.NewSeeded(d.behaviorSeed)
	}
	return behavior.New()
}

func (d *Driver) lastCursor(pageID string) (float64, float64) {
	d.cursorMu.Lock()
	defer d.cursorMu.Unlock()
	if pos, ok := d.cursor[pageID]; ok {
		return pos[0], pos[1]
	}
	// A plausible prior position near the viewport's top left.
	return 100, 100
}

func (d *Driver) setCursor(pageID string, x, y float64) {
	d.cursorMu.Lock()
	d.cursor[pageID] = [2]float64{x, y}
	d.cursorMu.Unlock()
}

// CreateBrowser launches and registers a browser.
func (d *Driver) CreateBrowser(ctx context.Context, opts launch.Options) (*session.Browser, error) {
	return d.registry.CreateBrowser(ctx, opts)
}

// CloseBrowser cascades a browser teardown.
func (d *Driver) CloseBrowser(ctx context.Context, browserID string) error {
	return d.registry.CloseBrowser(ctx, browserID)
}

// CreatePage opens a page on a browser.
func (d *Driver) CreatePage(ctx context.Context, browserID, initialURL string) (*session.Page, error) {
	return d.registry.CreatePage(ctx, browserID, initialURL)
}

// ClosePage closes a page.
func (d *Driver) ClosePage(ctx context.Context, pageID string) error {
	return d.registry.ClosePage(ctx, pageID)
}

// Subscribe opens an event stream.
func (d *Driver) Subscribe(scope event.Scope, kinds []event.Kind, filt event.Filter, bufferSize int) *event.Subscription {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return d.events.Subscribe(scope, kinds, filt, bufferSize)
}

// Unsubscribe cancels an event stream.
func (d *Driver) Unsubscribe(id string) {
	d.events.Unsubscribe(id)
}

// page resolves a page handle and stamps activity on it and its
// browser.
func (d *Driver) page(pageID string) (*session.Page, error) {
	p, err := d.registry.GetPage(pageID)
	if err != nil {
		return nil, err
	}
	p.Touch()
	if b, err := d.registry.GetBrowser(p.BrowserID); err == nil {
		b.Touch()
	}
	return p, nil
}

// element resolves an element handle (stale-checked) and its page.
func (d *Driver) element(elementID string) (*session.Page, *session.Element, error) {
	p, el, err := d.registry.GetElement(elementID)
	if err != nil {
		return nil, nil, err
	}
	p.Touch()
	if b, err := d.registry.GetBrowser(p.BrowserID); err == nil {
		b.Touch()
	}
	return p, el, nil
}

// withDeadline applies the default command timeout when the caller
// didn't set one.
func (d *Driver) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.cfg.DefaultCommandTimeout)
}

func requirePositive(name string, v int64) error {
	if v < 0 {
		return errs.New(errs.CodeInvalidArgument, "%s must be non-negative", name)
	}
	return nil
}
