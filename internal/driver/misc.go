package driver

import (
	"context"
	"time"

	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"

	"github.com/sbilly/chaser/internal/errs"
)

// Cookie is the wire-facing cookie record.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Cookies returns the cookies visible to the page.
func (d *Driver) Cookies(ctx context.Context, pageID string) ([]Cookie, error) {
	p, err := d.page(pageID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()

	raw, err := network.GetCookies().Do(cdpruntime.WithExecutor(ctx, p.Executor()))
	if err != nil {
		return nil, err
	}
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return out, nil
}

// SetCookies installs cookies on the page's network stack.
func (d *Driver) SetCookies(ctx context.Context, pageID string, cookies []Cookie) error {
	if len(cookies) == 0 {
		return errs.New(errs.CodeInvalidArgument, "no cookies given")
	}
	for _, c := range cookies {
		if c.Name == "" {
			return errs.New(errs.CodeInvalidArgument, "cookie name must not be empty")
		}
	}

	p, err := d.page(pageID)
	if err != nil {
		return err
	}
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()

	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		cp := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			t := cdpruntime.TimeSinceEpoch(timeFromEpoch(c.Expires))
			cp.Expires = &t
		}
		params = append(params, cp)
	}
	return network.SetCookies(params).Do(cdpruntime.WithExecutor(ctx, p.Executor()))
}

func timeFromEpoch(seconds float64) time.Time {
	sec := int64(seconds)
	nsec := int64((seconds - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// HandleDialog accepts or dismisses the page's pending JavaScript
// dialog, optionally supplying prompt text.
func (d *Driver) HandleDialog(ctx context.Context, pageID string, accept bool, promptText string) error {
	p, err := d.page(pageID)
	if err != nil {
		return err
	}
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()

	params := page.HandleJavaScriptDialog(accept)
	if promptText != "" {
		params = params.WithPromptText(promptText)
	}
	return params.Do(cdpruntime.WithExecutor(ctx, p.Executor()))
}
