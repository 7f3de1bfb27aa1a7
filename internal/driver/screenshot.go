package driver

import (
	"context"
	"math"

	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"

	"github.com/sbilly/chaser/internal/errs"
)

// ImageFormat is the screenshot encoding.
type ImageFormat string

const (
	FormatPNG  ImageFormat = "PNG"
	FormatJPEG ImageFormat = "JPEG"
	FormatWebP ImageFormat = "WEBP"
)

// Clip bounds a screenshot region. Scale defaults to 1.0.
type Clip struct {
	X, Y          float64
	Width, Height float64
	Scale         float64
}

// ScreenshotOptions shape a capture.
type ScreenshotOptions struct {
	Format   ImageFormat
	Quality  int64 // JPEG/WebP only, 0 means encoder default
	FullPage bool
	Clip     *Clip
}

// Screenshot captures the page viewport, the full page, or a clip, and
// returns the raw image bytes.
func (d *Driver) Screenshot(ctx context.Context, pageID string, opts ScreenshotOptions) ([]byte, error) {
	var format page.CaptureScreenshotFormat
	switch opts.Format {
	case FormatPNG, "":
		format = page.CaptureScreenshotFormatPng
	case FormatJPEG:
		format = page.CaptureScreenshotFormatJpeg
	case FormatWebP:
		format = page.CaptureScreenshotFormatWebp
	default:
		return nil, errs.New(errs.CodeInvalidArgument, "unknown image format %q", opts.Format)
	}
	if err := requirePositive("quality", opts.Quality); err != nil {
		return nil, err
	}
	if opts.Quality > 100 {
		return nil, errs.New(errs.CodeInvalidArgument, "quality must be at most 100")
	}
	if opts.Clip != nil {
		if opts.Clip.Width < 0 || opts.Clip.Height < 0 || opts.Clip.X < 0 || opts.Clip.Y < 0 {
			return nil, errs.New(errs.CodeInvalidArgument, "clip bounds must be non-negative")
		}
	}

	p, err := d.page(pageID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()
	pctx := cdpruntime.WithExecutor(ctx, p.Executor())

	capture := page.CaptureScreenshot().WithFormat(format)
	if opts.Quality > 0 && format != page.CaptureScreenshotFormatPng {
		capture = capture.WithQuality(opts.Quality)
	}

	if opts.FullPage {
		// Size the viewport to the content, capture, then restore.
		_, _, contentSize, _, _, cssContentSize, err := page.GetLayoutMetrics().Do(pctx)
		if err != nil {
			return nil, err
		}
		if cssContentSize != nil {
			contentSize = cssContentSize
		}
		if contentSize == nil {
			return nil, errs.New(errs.CodeInternal, "no layout metrics for full-page capture")
		}
		width := int64(math.Ceil(contentSize.Width))
		height := int64(math.Ceil(contentSize.Height))

		if err := emulation.SetDeviceMetricsOverride(width, height, 1, false).Do(pctx); err != nil {
			return nil, err
		}
		defer func() {
			if err := emulation.ClearDeviceMetricsOverride().Do(pctx); err != nil {
				d.logger.WithError(err).WithField("page_id", p.ID).
					Warn("restoring device metrics after full-page capture")
			}
		}()

		capture = capture.WithCaptureBeyondViewport(true).WithClip(&page.Viewport{
			X:      0,
			Y:      0,
			Width:  contentSize.Width,
			Height: contentSize.Height,
			Scale:  1,
		})
	} else if opts.Clip != nil {
		scale := opts.Clip.Scale
		if scale == 0 {
			scale = 1
		}
		capture = capture.WithClip(&page.Viewport{
			X:      math.Round(opts.Clip.X),
			Y:      math.Round(opts.Clip.Y),
			Width:  math.Round(opts.Clip.Width),
			Height: math.Round(opts.Clip.Height),
			Scale:  scale,
		})
	}

	buf, err := capture.Do(pctx)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// PDFOptions shape a print-to-PDF capture.
type PDFOptions struct {
	Landscape bool

	// Paper size in inches; zero keeps Chromium's defaults.
	PaperWidth  float64
	PaperHeight float64

	// Margins in inches; negative is rejected.
	MarginTop    float64
	MarginBottom float64
	MarginLeft   float64
	MarginRight  float64

	// Scale defaults to 1.0.
	Scale float64

	PrintBackground bool
}

// PDF renders the page via Page.printToPDF and returns the document
// bytes.
func (d *Driver) PDF(ctx context.Context, pageID string, opts PDFOptions) ([]byte, error) {
	for name, v := range map[string]float64{
		"paperWidth":   opts.PaperWidth,
		"paperHeight":  opts.PaperHeight,
		"marginTop":    opts.MarginTop,
		"marginBottom": opts.MarginBottom,
		"marginLeft":   opts.MarginLeft,
		"marginRight":  opts.MarginRight,
		"scale":        opts.Scale,
	} {
		if v < 0 {
			return nil, errs.New(errs.CodeInvalidArgument, "%s must be non-negative", name)
		}
	}

	p, err := d.page(pageID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()

	params := page.PrintToPDF().
		WithLandscape(opts.Landscape).
		WithPrintBackground(opts.PrintBackground)
	scale := opts.Scale
	if scale == 0 {
		scale = 1
	}
	params = params.WithScale(scale)
	if opts.PaperWidth > 0 {
		params = params.WithPaperWidth(opts.PaperWidth)
	}
	if opts.PaperHeight > 0 {
		params = params.WithPaperHeight(opts.PaperHeight)
	}
	params = params.
		WithMarginTop(opts.MarginTop).
		WithMarginBottom(opts.MarginBottom).
		WithMarginLeft(opts.MarginLeft).
		WithMarginRight(opts.MarginRight)

	buf, _, err := params.Do(cdpruntime.WithExecutor(ctx, p.Executor()))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// SetViewport overrides the page's device metrics.
func (d *Driver) SetViewport(ctx context.Context, pageID string, width, height int64, pixelRatio float64, mobile bool) error {
	if err := requirePositive("width", width); err != nil {
		return err
	}
	if err := requirePositive("height", height); err != nil {
		return err
	}
	if pixelRatio < 0 {
		return errs.New(errs.CodeInvalidArgument, "pixelRatio must be non-negative")
	}
	if pixelRatio == 0 {
		pixelRatio = 1
	}

	p, err := d.page(pageID)
	if err != nil {
		return err
	}
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()
	return emulation.SetDeviceMetricsOverride(width, height, pixelRatio, mobile).
		Do(cdpruntime.WithExecutor(ctx, p.Executor()))
}
