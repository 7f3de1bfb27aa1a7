// Package event translates CDP notifications into the server's typed
// events and routes them to client subscriptions with bounded buffering.
package event

import (
	"encoding/json"
	"path"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"golang.org/x/exp/slices"

	"github.com/sbilly/chaser/internal/cdp"
)

// Kind is a typed event class. The set is closed; unknown CDP methods
// simply never map.
type Kind string

const (
	KindPageCreated      Kind = "PAGE_CREATED"
	KindPageLoaded       Kind = "PAGE_LOADED"
	KindPageNavigated    Kind = "PAGE_NAVIGATED"
	KindPageClosed       Kind = "PAGE_CLOSED"
	KindConsoleLog       Kind = "CONSOLE_LOG"
	KindConsoleError     Kind = "CONSOLE_ERROR"
	KindRequestSent      Kind = "REQUEST_SENT"
	KindResponseReceived Kind = "RESPONSE_RECEIVED"
	KindJSException      Kind = "JS_EXCEPTION"
	KindDialogOpened     Kind = "DIALOG_OPENED"
)

// Event is one delivered notification. Payload is kind-specific.
type Event struct {
	Kind        Kind
	PageID      string
	BrowserID   string
	TimestampMs int64

	// Lagged carries the subscription's cumulative dropped-event count
	// at the time the event was queued.
	Lagged uint64

	Payload any
}

// PagePayload accompanies the PAGE_* kinds.
type PagePayload struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// ConsolePayload accompanies CONSOLE_LOG / CONSOLE_ERROR.
type ConsolePayload struct {
	Level string   `json:"level"`
	Args  []string `json:"args"`
}

// RequestPayload accompanies REQUEST_SENT.
type RequestPayload struct {
	URL          string `json:"url"`
	Method       string `json:"method"`
	ResourceType string `json:"resourceType,omitempty"`
}

// ResponsePayload accompanies RESPONSE_RECEIVED.
type ResponsePayload struct {
	URL        string            `json:"url"`
	StatusCode int64             `json:"statusCode"`
	MimeType   string            `json:"mimeType,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Size       float64           `json:"size,omitempty"`
}

// ExceptionPayload accompanies JS_EXCEPTION.
type ExceptionPayload struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// DialogPayload accompanies DIALOG_OPENED.
type DialogPayload struct {
	URL     string `json:"url"`
	Message string `json:"message,omitempty"`
	Type    string `json:"type"`
}

// Filter narrows a subscription beyond its kind set.
type Filter struct {
	// URLGlob matches against the event's URL (page and network kinds).
	URLGlob string

	// ResourceTypes restricts network kinds ("Document", "XHR", ...).
	ResourceTypes []string

	// MinConsoleLevel drops console events below "warning"/"error".
	MinConsoleLevel string
}

func (f Filter) matches(ev Event) bool {
	if f.URLGlob != "" {
		if u := eventURL(ev); u != "" {
			if ok, err := path.Match(f.URLGlob, u); err != nil || !ok {
				return false
			}
		}
	}
	if len(f.ResourceTypes) > 0 {
		if p, ok := ev.Payload.(RequestPayload); ok {
			if !slices.Contains(f.ResourceTypes, p.ResourceType) {
				return false
			}
		}
	}
	if f.MinConsoleLevel == "error" && ev.Kind == KindConsoleLog {
		return false
	}
	if f.MinConsoleLevel == "warning" && ev.Kind == KindConsoleLog {
		if p, ok := ev.Payload.(ConsolePayload); !ok || p.Level != "warning" {
			return false
		}
	}
	return true
}

func eventURL(ev Event) string {
	switch p := ev.Payload.(type) {
	case PagePayload:
		return p.URL
	case RequestPayload:
		return p.URL
	case ResponsePayload:
		return p.URL
	case DialogPayload:
		return p.URL
	}
	return ""
}

// FromCDP maps one raw notification onto a typed Event. The second
// return is false for CDP methods outside the closed kind set, and for
// frameNavigated on subframes.
func FromCDP(note cdp.Notification, pageID, browserID string) (Event, bool) {
	ev := Event{
		PageID:      pageID,
		BrowserID:   browserID,
		TimestampMs: time.Now().UnixMilli(),
	}

	msg := &cdproto.Message{Method: note.Method, Params: note.Params}
	decoded, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		return Event{}, false
	}

	switch e := decoded.(type) {
	case *target.EventTargetCreated:
		if e.TargetInfo == nil || e.TargetInfo.Type != "page" {
			return Event{}, false
		}
		ev.Kind = KindPageCreated
		ev.Payload = PagePayload{URL: e.TargetInfo.URL, Title: e.TargetInfo.Title}

	case *page.EventLoadEventFired:
		ev.Kind = KindPageLoaded
		ev.Payload = PagePayload{}

	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return Event{}, false
		}
		ev.Kind = KindPageNavigated
		ev.Payload = PagePayload{URL: e.Frame.URL}

	case *target.EventTargetDestroyed:
		ev.Kind = KindPageClosed
		ev.Payload = PagePayload{}

	case *runtime.EventConsoleAPICalled:
		args := make([]string, 0, len(e.Args))
		for _, a := range e.Args {
			args = append(args, remoteObjectText(a))
		}
		ev.Kind = KindConsoleLog
		level := string(e.Type)
		if e.Type == runtime.APITypeError {
			ev.Kind = KindConsoleError
		}
		ev.Payload = ConsolePayload{Level: level, Args: args}

	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return Event{}, false
		}
		ev.Kind = KindRequestSent
		ev.Payload = RequestPayload{
			URL:          e.Request.URL,
			Method:       e.Request.Method,
			ResourceType: string(e.Type),
		}

	case *network.EventResponseReceived:
		if e.Response == nil {
			return Event{}, false
		}
		headers := make(map[string]string, len(e.Response.Headers))
		for k, v := range e.Response.Headers {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
		ev.Kind = KindResponseReceived
		ev.Payload = ResponsePayload{
			URL:        e.Response.URL,
			StatusCode: e.Response.Status,
			MimeType:   e.Response.MimeType,
			Headers:    headers,
			Size:       e.Response.EncodedDataLength,
		}

	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails == nil {
			return Event{}, false
		}
		ev.Kind = KindJSException
		detail := ""
		if e.ExceptionDetails.Exception != nil {
			detail = remoteObjectText(e.ExceptionDetails.Exception)
		}
		ev.Payload = ExceptionPayload{Message: e.ExceptionDetails.Text, Detail: detail}

	case *page.EventJavascriptDialogOpening:
		ev.Kind = KindDialogOpened
		ev.Payload = DialogPayload{URL: e.URL, Message: e.Message, Type: string(e.Type)}

	default:
		return Event{}, false
	}
	return ev, true
}

func remoteObjectText(o *runtime.RemoteObject) string {
	if o == nil {
		return ""
	}
	if len(o.Value) > 0 {
		if o.Type == "string" {
			var s string
			if err := json.Unmarshal(o.Value, &s); err == nil {
				return s
			}
		}
		return string(o.Value)
	}
	if o.Description != "" {
		return o.Description
	}
	return string(o.Type)
}
