package driver

import (
	"context"
	"encoding/json"
	"time"

	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"

	"github.com/sbilly/chaser/internal/errs"
)

// WaitUntil selects the navigation completion condition.
type WaitUntil string

const (
	// WaitLoad resolves on Page.loadEventFired.
	WaitLoad WaitUntil = "LOAD"

	// WaitDOMContent resolves on Page.domContentEventFired.
	WaitDOMContent WaitUntil = "DOM_CONTENT"

	// WaitNetworkIdle resolves after a 500ms window without network
	// activity.
	WaitNetworkIdle WaitUntil = "NETWORK_IDLE"

	// WaitNone resolves as soon as the navigate command is acknowledged.
	WaitNone WaitUntil = "NONE"
)

// networkIdleWindow is the quiescence window for WaitNetworkIdle.
const networkIdleWindow = 500 * time.Millisecond

// NavigateResult reports where a navigation ended up.
type NavigateResult struct {
	// URL is the final main-frame URL.
	URL string

	// Status is the HTTP status of the matching top-frame response, or
	// zero when none was observed (about:blank, data URLs).
	Status int64
}

// Navigate drives Page.navigate and waits per waitUntil under the
// caller's deadline. On deadline expiry it returns TIMEOUT without
// aborting the in-flight navigation.
func (d *Driver) Navigate(ctx context.Context, pageID, url string, waitUntil WaitUntil) (NavigateResult, error) {
	if url == "" {
		return NavigateResult{}, errs.New(errs.CodeInvalidArgument, "url must not be empty")
	}
	switch waitUntil {
	case WaitLoad, WaitDOMContent, WaitNetworkIdle, WaitNone:
	case "":
		waitUntil = WaitLoad
	default:
		return NavigateResult{}, errs.New(errs.CodeInvalidArgument, "unknown waitUntil %q", waitUntil)
	}

	p, err := d.page(pageID)
	if err != nil {
		return NavigateResult{}, err
	}
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()

	// Watch the page session before issuing the command so the
	// completion events cannot be missed.
	watch := p.Transport().Subscribe("", p.SessionID, 512)
	defer watch.Close()

	pctx := cdpruntime.WithExecutor(ctx, p.Executor())
	frameID, _, errText, err := page.Navigate(url).Do(pctx)
	if err != nil {
		return NavigateResult{}, err
	}
	if errText != "" {
		return NavigateResult{}, errs.New(errs.CodeCDPProtocol, "navigation failed: %s", errText)
	}

	res := NavigateResult{URL: url}
	if waitUntil == WaitNone {
		return res, nil
	}

	var (
		idleTimer   *time.Timer
		idleC       <-chan time.Time
		outstanding = map[string]struct{}{}
	)
	if waitUntil == WaitNetworkIdle {
		idleTimer = time.NewTimer(networkIdleWindow)
		defer idleTimer.Stop()
		idleC = idleTimer.C
	}
	resetIdle := func() {
		if idleTimer == nil {
			return
		}
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(networkIdleWindow)
	}

	for {
		select {
		case note, ok := <-watch.C():
			if !ok {
				return res, errs.New(errs.CodeBrowserGone, "page session ended mid-navigation")
			}
			switch note.Method {
			case "Page.frameNavigated":
				var ev struct {
					Frame struct {
						ID       string `json:"id"`
						ParentID string `json:"parentId"`
						URL      string `json:"url"`
					} `json:"frame"`
				}
				if json.Unmarshal(note.Params, &ev) == nil && ev.Frame.ParentID == "" {
					res.URL = ev.Frame.URL
				}

			case "Network.responseReceived":
				var ev struct {
					Type     string `json:"type"`
					FrameID  string `json:"frameId"`
					Response struct {
						Status int64 `json:"status"`
					} `json:"response"`
				}
				if json.Unmarshal(note.Params, &ev) == nil &&
					ev.Type == "Document" && ev.FrameID == string(frameID) {
					res.Status = ev.Response.Status
				}
				resetIdle()

			case "Network.requestWillBeSent":
				var ev struct {
					RequestID string `json:"requestId"`
				}
				if json.Unmarshal(note.Params, &ev) == nil {
					outstanding[ev.RequestID] = struct{}{}
				}
				resetIdle()

			case "Network.loadingFinished", "Network.loadingFailed":
				var ev struct {
					RequestID string `json:"requestId"`
				}
				if json.Unmarshal(note.Params, &ev) == nil {
					delete(outstanding, ev.RequestID)
				}
				resetIdle()

			case "Page.loadEventFired":
				if waitUntil == WaitLoad {
					return res, nil
				}

			case "Page.domContentEventFired":
				if waitUntil == WaitDOMContent {
					return res, nil
				}
			}

		case <-idleC:
			if len(outstanding) == 0 {
				return res, nil
			}
			resetIdle()

		case <-ctx.Done():
			// The navigation keeps going browser-side.
			return res, errs.New(errs.CodeTimeout, "navigation deadline elapsed")
		}
	}
}

// Reload reloads the page and waits for the load event, or for
// DOMContentLoaded with WaitDOMContent; WaitNone returns at once.
// WaitNetworkIdle waits for the load event only; no network quiescence
// window is observed.
func (d *Driver) Reload(ctx context.Context, pageID string, waitUntil WaitUntil) error {
	p, err := d.page(pageID)
	if err != nil {
		return err
	}
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()

	watch := p.Transport().Subscribe("Page.", p.SessionID, 128)
	defer watch.Close()

	if err := page.Reload().Do(cdpruntime.WithExecutor(ctx, p.Executor())); err != nil {
		return err
	}
	if waitUntil == WaitNone {
		return nil
	}
	want := "Page.loadEventFired"
	if waitUntil == WaitDOMContent {
		want = "Page.domContentEventFired"
	}
	for {
		select {
		case note, ok := <-watch.C():
			if !ok {
				return errs.New(errs.CodeBrowserGone, "page session ended mid-reload")
			}
			if string(note.Method) == want {
				return nil
			}
		case <-ctx.Done():
			return errs.New(errs.CodeTimeout, "reload deadline elapsed")
		}
	}
}
