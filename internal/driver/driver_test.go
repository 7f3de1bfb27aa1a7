package driver

import (
	"bytes"
	"context"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/ledongthuc/pdf"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbilly/chaser/internal/cdp/cdptest"
	"github.com/sbilly/chaser/internal/config"
	"github.com/sbilly/chaser/internal/errs"
	"github.com/sbilly/chaser/internal/event"
	"github.com/sbilly/chaser/internal/launch"
	"github.com/sbilly/chaser/internal/session"
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

func newTestService(t *testing.T) (*Service, *cdptest.Server) {
	t.Helper()

	srv := cdptest.New(t, cdptest.BrowserSim())

	cfg := config.Default()
	cfg.DefaultCommandTimeout = 5 * time.Second
	cfg.ShutdownGrace = 5 * time.Second

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	svc, err := NewServiceWithLauncher(cfg, logger, &fakeLauncher{url: srv.URL()})
	require.NoError(t, err)
	t.Cleanup(func() {
		svc.Shutdown(context.Background())
	})
	return svc, srv
}

func newTestPage(t *testing.T, svc *Service) *session.Page {
	t.Helper()
	b, err := svc.CreateBrowser(context.Background(), launch.Options{})
	require.NoError(t, err)
	p, err := svc.CreatePage(context.Background(), b.ID, "")
	require.NoError(t, err)
	return p
}

func countMethod(srv *cdptest.Server, method string) int {
	n := 0
	for _, m := range srv.Received() {
		if string(m) == method {
			n++
		}
	}
	return n
}

func TestNavigateWaitLoad(t *testing.T) {
	svc, _ := newTestService(t)
	p := newTestPage(t, svc)

	res, err := svc.Navigate(context.Background(), p.ID, "https://example.com/", WaitLoad)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", res.URL)
}

func TestNavigateValidatesArguments(t *testing.T) {
	svc, _ := newTestService(t)
	p := newTestPage(t, svc)

	_, err := svc.Navigate(context.Background(), p.ID, "", WaitLoad)
	require.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))

	_, err = svc.Navigate(context.Background(), p.ID, "https://example.com/", "SOMETIME")
	require.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))

	_, err = svc.Navigate(context.Background(), "nope", "https://example.com/", WaitLoad)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestFindElementCSS(t *testing.T) {
	svc, _ := newTestService(t)
	p := newTestPage(t, svc)

	el, err := svc.FindElement(context.Background(), p.ID, SelectorCSS, "#login")
	require.NoError(t, err)
	assert.EqualValues(t, cdptest.SimBackendNodeID, el.BackendNodeID)
	assert.Equal(t, p.ID, el.PageID)
}

func TestFindElementXPathAndText(t *testing.T) {
	svc, _ := newTestService(t)
	p := newTestPage(t, svc)

	el, err := svc.FindElement(context.Background(), p.ID, SelectorXPath, `//button[@id="login"]`)
	require.NoError(t, err)
	assert.EqualValues(t, cdptest.SimBackendNodeID, el.BackendNodeID)

	// The sim resolves evaluate to a string, not a node, so TEXT search
	// reports no match rather than erroring.
	_, err = svc.FindElement(context.Background(), p.ID, SelectorText, "Sign in")
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestFindElementRejectsUnknownKind(t *testing.T) {
	svc, srv := newTestService(t)
	p := newTestPage(t, svc)

	_, err := svc.FindElement(context.Background(), p.ID, SelectorKind("REGEX"), "x")
	require.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))

	// Validation failed before any CDP traffic for the query.
	assert.Zero(t, countMethod(srv, "DOM.querySelector"))
	assert.Zero(t, countMethod(srv, "DOM.performSearch"))
}

func TestPlainClickDispatchesExactlyPressRelease(t *testing.T) {
	svc, srv := newTestService(t)
	p := newTestPage(t, svc)

	el, err := svc.FindElement(context.Background(), p.ID, SelectorCSS, "#btn")
	require.NoError(t, err)

	require.NoError(t, svc.Click(context.Background(), el.ID, false))

	assert.Equal(t, 2, countMethod(srv, "Input.dispatchMouseEvent"))
	assert.LessOrEqual(t, countMethod(srv, "DOM.scrollIntoViewIfNeeded"), 1)
}

func TestHumanLikeClickWalksCursorPath(t *testing.T) {
	svc, srv := newTestService(t)
	p := newTestPage(t, svc)

	el, err := svc.FindElement(context.Background(), p.ID, SelectorCSS, "#btn")
	require.NoError(t, err)

	require.NoError(t, svc.Click(context.Background(), el.ID, true))

	// Press + release plus at least a few mouseMoved samples.
	assert.Greater(t, countMethod(srv, "Input.dispatchMouseEvent"), 4)
}

func TestTypeDispatchesPerCharacterKeys(t *testing.T) {
	svc, srv := newTestService(t)
	p := newTestPage(t, svc)

	el, err := svc.FindElement(context.Background(), p.ID, SelectorCSS, "input")
	require.NoError(t, err)

	require.NoError(t, svc.Type(context.Background(), el.ID, "hi", false))

	assert.Equal(t, 1, countMethod(srv, "DOM.focus"))
	// keyDown, char, keyUp per rune.
	assert.Equal(t, 6, countMethod(srv, "Input.dispatchKeyEvent"))
}

func TestClickOnStaleElement(t *testing.T) {
	svc, _ := newTestService(t)
	p := newTestPage(t, svc)

	el, err := svc.FindElement(context.Background(), p.ID, SelectorCSS, "h1")
	require.NoError(t, err)

	_, err = svc.Navigate(context.Background(), p.ID, "https://example.org/b", WaitLoad)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		err := svc.Click(context.Background(), el.ID, false)
		return errs.CodeOf(err) == errs.CodeStale
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEvaluate(t *testing.T) {
	svc, _ := newTestService(t)
	p := newTestPage(t, svc)

	v, err := svc.Evaluate(context.Background(), p.ID, "document.title", false)
	require.NoError(t, err)
	assert.Equal(t, ValueString, v.Kind)
	assert.Equal(t, "ok", v.Str)

	_, err = svc.Evaluate(context.Background(), p.ID, "", false)
	require.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))
}

func TestScreenshotViewport(t *testing.T) {
	svc, _ := newTestService(t)
	p := newTestPage(t, svc)

	buf, err := svc.Screenshot(context.Background(), p.ID, ScreenshotOptions{Format: FormatPNG})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, 1, img.Bounds().Dx())
}

func TestFullPageScreenshotRestoresMetrics(t *testing.T) {
	svc, srv := newTestService(t)
	p := newTestPage(t, svc)

	_, err := svc.Screenshot(context.Background(), p.ID, ScreenshotOptions{FullPage: true})
	require.NoError(t, err)

	assert.Equal(t, 1, countMethod(srv, "Page.getLayoutMetrics"))
	assert.Equal(t, 1, countMethod(srv, "Emulation.setDeviceMetricsOverride"))
	assert.Equal(t, 1, countMethod(srv, "Emulation.clearDeviceMetricsOverride"))
}

func TestScreenshotValidation(t *testing.T) {
	svc, _ := newTestService(t)
	p := newTestPage(t, svc)

	_, err := svc.Screenshot(context.Background(), p.ID, ScreenshotOptions{Format: "BMP"})
	require.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))

	_, err = svc.Screenshot(context.Background(), p.ID, ScreenshotOptions{Quality: 101})
	require.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))

	_, err = svc.Screenshot(context.Background(), p.ID, ScreenshotOptions{
		Clip: &Clip{X: -1, Width: 10, Height: 10},
	})
	require.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))
}

func TestPDFRendersParsableDocument(t *testing.T) {
	svc, _ := newTestService(t)
	p := newTestPage(t, svc)

	buf, err := svc.PDF(context.Background(), p.ID, PDFOptions{Landscape: true})
	require.NoError(t, err)

	r, err := pdf.NewReader(bytes.NewReader(buf), int64(len(buf)))
	require.NoError(t, err)
	assert.Equal(t, 1, r.NumPage())

	_, err = svc.PDF(context.Background(), p.ID, PDFOptions{Scale: -1})
	require.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))
}

func TestCookies(t *testing.T) {
	svc, _ := newTestService(t)
	p := newTestPage(t, svc)

	cookies, err := svc.Cookies(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "sid", cookies[0].Name)
	assert.True(t, cookies[0].HTTPOnly)

	err = svc.SetCookies(context.Background(), p.ID, []Cookie{{Name: "a", Value: "1"}})
	require.NoError(t, err)

	err = svc.SetCookies(context.Background(), p.ID, nil)
	require.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))
}

func TestWaitForElementResolves(t *testing.T) {
	svc, _ := newTestService(t)
	p := newTestPage(t, svc)

	el, err := svc.WaitFor(context.Background(), p.ID, "#late")
	require.NoError(t, err)
	assert.EqualValues(t, cdptest.SimBackendNodeID, el.BackendNodeID)
}

func TestApplyProfileReloadsNavigatedPage(t *testing.T) {
	svc, srv := newTestService(t)
	p := newTestPage(t, svc)

	_, err := svc.Navigate(context.Background(), p.ID, "https://example.com/", WaitLoad)
	require.NoError(t, err)

	prof, err := svc.PresetProfile(stealth.PresetWindows)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.Navigated() }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, svc.ApplyProfile(context.Background(), p.ID, prof.ID))

	assert.Equal(t, prof.ID, p.ProfileID())
	assert.GreaterOrEqual(t, countMethod(srv, "Page.addScriptToEvaluateOnNewDocument"), 1)
	assert.Equal(t, 1, countMethod(srv, "Page.reload"))
}

func TestBindProfileAppliesToNewPages(t *testing.T) {
	svc, srv := newTestService(t)

	b, err := svc.CreateBrowser(context.Background(), launch.Options{})
	require.NoError(t, err)

	prof := svc.RandomProfile()
	require.NoError(t, svc.BindProfile(b.ID, prof.ID))

	p, err := svc.CreatePage(context.Background(), b.ID, "")
	require.NoError(t, err)
	assert.Equal(t, prof.ID, p.ProfileID())
	assert.GreaterOrEqual(t, countMethod(srv, "Page.addScriptToEvaluateOnNewDocument"), 1)
}

func TestEventSubscriptionReceivesConsole(t *testing.T) {
	svc, srv := newTestService(t)
	p := newTestPage(t, svc)

	sub := svc.Subscribe(event.Scope{PageID: p.ID}, []event.Kind{event.KindConsoleLog}, event.Filter{}, 16)
	defer svc.Unsubscribe(sub.ID)

	srv.Emit(cdproto.Message{
		Method:    "Runtime.consoleAPICalled",
		SessionID: p.SessionID,
		Params:    easyjson.RawMessage(`{"type":"log","args":[{"type":"string","value":"\"boom\""}],"executionContextId":1,"timestamp":0}`),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.KindConsoleLog, ev.Kind)
	assert.Equal(t, p.ID, ev.PageID)
}

func TestScrollDispatchesWheel(t *testing.T) {
	svc, srv := newTestService(t)
	p := newTestPage(t, svc)

	require.NoError(t, svc.Scroll(context.Background(), p.ID, 600, false))
	assert.Equal(t, 1, countMethod(srv, "Input.dispatchMouseEvent"))

	require.NoError(t, svc.Scroll(context.Background(), p.ID, 600, true))
	assert.Greater(t, countMethod(srv, "Input.dispatchMouseEvent"), 2)
}

func TestHandleDialog(t *testing.T) {
	svc, srv := newTestService(t)
	p := newTestPage(t, svc)

	require.NoError(t, svc.HandleDialog(context.Background(), p.ID, true, "yes"))
	assert.Equal(t, 1, countMethod(srv, "Page.handleJavaScriptDialog"))
}

func TestConcurrentPagesDistinctSessions(t *testing.T) {
	svc, _ := newTestService(t)

	b, err := svc.CreateBrowser(context.Background(), launch.Options{})
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	pages := make([]*session.Page, n)
	errsCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := svc.CreatePage(context.Background(), b.ID, "")
			if err != nil {
				errsCh <- err
				return
			}
			pages[i] = p
			if _, err := svc.Evaluate(context.Background(), p.ID, "document.title", false); err != nil {
				errsCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errsCh)
	for err := range errsCh {
		t.Fatalf("concurrent page operation failed: %v", err)
	}

	sessions := make(map[string]bool, n)
	for _, p := range pages {
		require.NotNil(t, p)
		sessions[string(p.SessionID)] = true
	}
	assert.Len(t, sessions, n)
}
