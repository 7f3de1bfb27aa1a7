package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbilly/chaser/internal/cdp/cdptest"
	"github.com/sbilly/chaser/internal/config"
	"github.com/sbilly/chaser/internal/errs"
	"github.com/sbilly/chaser/internal/event"
	"github.com/sbilly/chaser/internal/launch"
	"github.com/sbilly/chaser/internal/stealth"
)

type fakeProc struct {
	done chan struct{}
	once sync.Once
}

func (p *fakeProc) PID() int              { return 4242 }
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) Stop() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type fakeLauncher struct {
	url string
}

func (l *fakeLauncher) Launch(ctx context.Context, opts launch.Options) (launch.Result, error) {
	return launch.Result{WSURL: l.url, Proc: &fakeProc{done: make(chan struct{})}}, nil
}

func testRegistry(t *testing.T, mutate func(*config.Config)) (*Registry, *cdptest.Server) {
	t.Helper()

	srv := cdptest.New(t, cdptest.BrowserSim())

	cfg := config.Default()
	cfg.MaxBrowsers = 4
	cfg.MaxPagesPerBrowser = 4
	cfg.MaxPagesTotal = 8
	cfg.DefaultCommandTimeout = 5 * time.Second
	cfg.ShutdownGrace = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	r := NewRegistry(cfg, logger,
		&fakeLauncher{url: srv.URL()},
		event.NewDispatcher(logger, cfg.SubscriptionBufferSize),
		stealth.NewInjector(logger),
	)
	t.Cleanup(func() {
		r.Shutdown(context.Background())
	})
	return r, srv
}

func TestCreateBrowserThenClose(t *testing.T) {
	r, _ := testRegistry(t, nil)

	b, err := r.CreateBrowser(context.Background(), launch.Options{})
	require.NoError(t, err)

	got, err := r.GetBrowser(b.ID)
	require.NoError(t, err)
	require.Same(t, b, got)

	require.NoError(t, r.CloseBrowser(context.Background(), b.ID))

	_, err = r.GetBrowser(b.ID)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
	require.Empty(t, r.Browsers())
}

func TestBrowserCapacity(t *testing.T) {
	r, _ := testRegistry(t, func(c *config.Config) { c.MaxBrowsers = 2 })

	b1, err := r.CreateBrowser(context.Background(), launch.Options{})
	require.NoError(t, err)
	_, err = r.CreateBrowser(context.Background(), launch.Options{})
	require.NoError(t, err)

	_, err = r.CreateBrowser(context.Background(), launch.Options{})
	require.Equal(t, errs.CodeCapacity, errs.CodeOf(err))
	require.Len(t, r.Browsers(), 2)

	require.NoError(t, r.CloseBrowser(context.Background(), b1.ID))
	_, err = r.CreateBrowser(context.Background(), launch.Options{})
	require.NoError(t, err)
}

func TestCreatePageLifecycle(t *testing.T) {
	r, srv := testRegistry(t, nil)

	b, err := r.CreateBrowser(context.Background(), launch.Options{})
	require.NoError(t, err)

	p, err := r.CreatePage(context.Background(), b.ID, "")
	require.NoError(t, err)
	require.Equal(t, b.ID, p.BrowserID)
	require.NotEmpty(t, p.SessionID)

	got, err := r.GetPage(p.ID)
	require.NoError(t, err)
	require.Same(t, p, got)
	require.Equal(t, 1, b.PageCount())

	// The domain set is enabled on the new session.
	methods := srv.Received()
	assert.Contains(t, methods, cdproto.MethodType(cdproto.CommandPageEnable))
	assert.Contains(t, methods, cdproto.MethodType(cdproto.CommandRuntimeEnable))
	assert.Contains(t, methods, cdproto.MethodType(cdproto.CommandNetworkEnable))
	assert.Contains(t, methods, cdproto.MethodType(cdproto.CommandDOMEnable))

	require.NoError(t, r.ClosePage(context.Background(), p.ID))
	_, err = r.GetPage(p.ID)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
	require.Zero(t, b.PageCount())
}

func TestPageCapacityPerBrowser(t *testing.T) {
	r, _ := testRegistry(t, func(c *config.Config) { c.MaxPagesPerBrowser = 2 })

	b, err := r.CreateBrowser(context.Background(), launch.Options{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = r.CreatePage(context.Background(), b.ID, "")
		require.NoError(t, err)
	}
	_, err = r.CreatePage(context.Background(), b.ID, "")
	require.Equal(t, errs.CodeCapacity, errs.CodeOf(err))
	require.Equal(t, 2, b.PageCount())
}

func TestElementStaleAfterNavigation(t *testing.T) {
	r, _ := testRegistry(t, nil)

	b, err := r.CreateBrowser(context.Background(), launch.Options{})
	require.NoError(t, err)
	p, err := r.CreatePage(context.Background(), b.ID, "")
	require.NoError(t, err)

	el := r.CreateElement(p, 101, "")
	_, got, err := r.GetElement(el.ID)
	require.NoError(t, err)
	require.Same(t, el, got)

	// A main-frame navigation advances the epoch and strands the handle.
	_, _, _, err = page.Navigate("https://example.com/").
		Do(cdpruntime.WithExecutor(context.Background(), p.Executor()))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, err := r.GetElement(el.ID)
		return errs.CodeOf(err) == errs.CodeStale
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnsolicitedTargetDestroyedRemovesPage(t *testing.T) {
	r, srv := testRegistry(t, nil)

	b, err := r.CreateBrowser(context.Background(), launch.Options{})
	require.NoError(t, err)
	p, err := r.CreatePage(context.Background(), b.ID, "")
	require.NoError(t, err)

	// The browser closes the tab on its own.
	srv.Emit(cdproto.Message{
		Method: cdproto.EventTargetTargetDestroyed,
		Params: easyjson.RawMessage(fmt.Sprintf(`{"targetId":%q}`, p.TargetID)),
	})

	require.Eventually(t, func() bool {
		_, err := r.GetPage(p.ID)
		return errs.CodeOf(err) == errs.CodeNotFound
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, b.PageCount())
}

func TestStealthAppliedBeforeNavigation(t *testing.T) {
	r, srv := testRegistry(t, nil)

	b, err := r.CreateBrowser(context.Background(), launch.Options{})
	require.NoError(t, err)

	catalog := stealth.NewCatalogSeeded(1)
	prof, err := catalog.Preset(stealth.PresetWindows)
	require.NoError(t, err)
	b.BindProfile(prof)

	p, err := r.CreatePage(context.Background(), b.ID, "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, prof.ID, p.ProfileID())

	methods := srv.Received()
	var sawInject, sawNavigate bool
	for _, m := range methods {
		if m == cdproto.MethodType(cdproto.CommandPageAddScriptToEvaluateOnNewDocument) {
			sawInject = true
			require.False(t, sawNavigate, "injection must precede navigation")
		}
		if m == cdproto.MethodType(cdproto.CommandPageNavigate) {
			sawNavigate = true
		}
	}
	require.True(t, sawInject)
	require.True(t, sawNavigate)
}

func TestTransportDeathReclaimsBrowser(t *testing.T) {
	r, srv := testRegistry(t, nil)

	b, err := r.CreateBrowser(context.Background(), launch.Options{})
	require.NoError(t, err)
	_, err = r.CreatePage(context.Background(), b.ID, "")
	require.NoError(t, err)

	srv.DropConnections()

	require.Eventually(t, func() bool {
		_, err := r.GetBrowser(b.ID)
		return errs.CodeOf(err) == errs.CodeNotFound
	}, 10*time.Second, 20*time.Millisecond)
}

func TestReclaimIdle(t *testing.T) {
	r, _ := testRegistry(t, func(c *config.Config) { c.SessionTimeout = 10 * time.Millisecond })

	b, err := r.CreateBrowser(context.Background(), launch.Options{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	r.ReclaimIdle(context.Background())

	_, err = r.GetBrowser(b.ID)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestCreatePageOnClosedBrowser(t *testing.T) {
	r, _ := testRegistry(t, nil)

	b, err := r.CreateBrowser(context.Background(), launch.Options{})
	require.NoError(t, err)
	require.NoError(t, r.CloseBrowser(context.Background(), b.ID))

	_, err = r.CreatePage(context.Background(), b.ID, "")
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}
