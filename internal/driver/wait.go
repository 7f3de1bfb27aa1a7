package driver

import (
	"context"
	"time"

	"github.com/sbilly/chaser/internal/errs"
	"github.com/sbilly/chaser/internal/session"
)

// waitPollInterval paces element-wait retries.
const waitPollInterval = 100 * time.Millisecond

// WaitForElement polls FindElement until the selector resolves or the
// deadline elapses. This is the canonical wait; WaitFor is sugar over
// it.
func (d *Driver) WaitForElement(ctx context.Context, pageID string, kind SelectorKind, selector string) (*session.Element, error) {
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()

	for {
		el, err := d.FindElement(ctx, pageID, kind, selector)
		switch {
		case err == nil:
			return el, nil
		case errs.Is(err, errs.CodeNotFound):
			// Element not there yet; page lookups failing land here too,
			// so re-check the page before sleeping.
			if _, perr := d.registry.GetPage(pageID); perr != nil {
				return nil, perr
			}
		case errs.Is(err, errs.CodeTimeout):
			return nil, errs.New(errs.CodeTimeout, "element %q did not appear", selector)
		default:
			return nil, err
		}

		select {
		case <-time.After(waitPollInterval):
		case <-ctx.Done():
			return nil, errs.New(errs.CodeTimeout, "element %q did not appear", selector)
		}
	}
}

// WaitFor waits for a CSS selector to appear on the page.
func (d *Driver) WaitFor(ctx context.Context, pageID, selector string) (*session.Element, error) {
	return d.WaitForElement(ctx, pageID, SelectorCSS, selector)
}
