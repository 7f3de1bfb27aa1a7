package driver

import (
	"context"
	"math"
	"time"

	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"

	"github.com/sbilly/chaser/internal/errs"
	"github.com/sbilly/chaser/internal/kb"
	"github.com/sbilly/chaser/internal/session"
)

// cursorDuration paces a humanized cursor move relative to distance.
func cursorDuration(dist float64) time.Duration {
	d := time.Duration(dist/1.5) * time.Millisecond
	if d < 150*time.Millisecond {
		d = 150 * time.Millisecond
	}
	if d > 900*time.Millisecond {
		d = 900 * time.Millisecond
	}
	return d
}

// elementCenter scrolls the element into view and returns the center of
// its content box in viewport coordinates.
func (d *Driver) elementCenter(ctx context.Context, p *session.Page, el *session.Element) (float64, float64, error) {
	pctx := cdpruntime.WithExecutor(ctx, p.Executor())

	if err := dom.ScrollIntoViewIfNeeded().WithBackendNodeID(el.BackendNodeID).Do(pctx); err != nil {
		return 0, 0, err
	}
	box, err := dom.GetBoxModel().WithBackendNodeID(el.BackendNodeID).Do(pctx)
	if err != nil {
		return 0, 0, err
	}
	if box == nil || len(box.Content)%2 != 0 || len(box.Content) < 2 {
		return 0, 0, errs.New(errs.CodeInternal, "invalid box model")
	}

	var x, y float64
	pairs := len(box.Content) / 2
	for i := 0; i < len(box.Content); i += 2 {
		x += box.Content[i]
		y += box.Content[i+1]
	}
	return x / float64(pairs), y / float64(pairs), nil
}

// Click resolves the element, scrolls it into view and dispatches a
// left-button press/release at its center. With humanLike, a synthesized
// cursor path is walked first, one mouseMoved per sample.
func (d *Driver) Click(ctx context.Context, elementID string, humanLike bool) error {
	p, el, err := d.element(elementID)
	if err != nil {
		return err
	}
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()

	x, y, err := d.elementCenter(ctx, p, el)
	if err != nil {
		return err
	}
	pctx := cdpruntime.WithExecutor(ctx, p.Executor())

	if humanLike {
		x0, y0 := d.lastCursor(p.ID)
		path := d.synthesizer().CursorPath(x0, y0, x, y, cursorDuration(dist(x0, y0, x, y)))
		prev := time.Duration(0)
		for _, pt := range path {
			if err := sleepCtx(ctx, pt.At-prev); err != nil {
				return err
			}
			prev = pt.At
			if err := input.DispatchMouseEvent(input.MouseMoved, pt.X, pt.Y).Do(pctx); err != nil {
				return err
			}
		}
	}

	if err := input.DispatchMouseEvent(input.MousePressed, x, y).
		WithButton(input.Left).
		WithClickCount(1).
		Do(pctx); err != nil {
		return err
	}
	if err := input.DispatchMouseEvent(input.MouseReleased, x, y).
		WithButton(input.Left).
		WithClickCount(1).
		Do(pctx); err != nil {
		return err
	}

	d.setCursor(p.ID, x, y)
	return nil
}

// Type focuses the element and dispatches key events per character. With
// humanLike, inter-key pauses follow the synthesized schedule, including
// the occasional corrected typo.
func (d *Driver) Type(ctx context.Context, elementID, text string, humanLike bool) error {
	if text == "" {
		return errs.New(errs.CodeInvalidArgument, "text must not be empty")
	}
	p, el, err := d.element(elementID)
	if err != nil {
		return err
	}
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()
	pctx := cdpruntime.WithExecutor(ctx, p.Executor())

	if err := dom.Focus().WithBackendNodeID(el.BackendNodeID).Do(pctx); err != nil {
		return err
	}

	if !humanLike {
		for _, r := range text {
			if err := dispatchKey(pctx, r); err != nil {
				return err
			}
		}
		return nil
	}

	for _, stroke := range d.synthesizer().KeystrokeSchedule(text, 80*time.Millisecond) {
		if err := sleepCtx(ctx, stroke.Delay); err != nil {
			return err
		}
		if err := dispatchKey(pctx, stroke.Rune); err != nil {
			return err
		}
	}
	return nil
}

func dispatchKey(pctx context.Context, r rune) error {
	for _, ev := range kb.Encode(r) {
		if err := ev.Do(pctx); err != nil {
			return err
		}
	}
	return nil
}

// Scroll dispatches wheel events on the page. With humanLike the total
// is split into eased ticks.
func (d *Driver) Scroll(ctx context.Context, pageID string, deltaY float64, humanLike bool) error {
	p, err := d.page(pageID)
	if err != nil {
		return err
	}
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()
	pctx := cdpruntime.WithExecutor(ctx, p.Executor())

	x, y := d.lastCursor(p.ID)
	if !humanLike {
		return input.DispatchMouseEvent(input.MouseWheel, x, y).
			WithDeltaX(0).
			WithDeltaY(deltaY).
			Do(pctx)
	}

	for _, st := range d.synthesizer().ScrollCurve(deltaY, 400*time.Millisecond) {
		if err := sleepCtx(ctx, st.Delay); err != nil {
			return err
		}
		if err := input.DispatchMouseEvent(input.MouseWheel, x, y).
			WithDeltaX(0).
			WithDeltaY(st.DeltaY).
			Do(pctx); err != nil {
			return err
		}
	}
	return nil
}

func dist(x0, y0, x1, y1 float64) float64 {
	return math.Hypot(x1-x0, y1-y0)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errs.New(errs.CodeTimeout, "deadline elapsed mid-gesture")
	}
}
