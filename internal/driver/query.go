package driver

import (
	"context"

	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"

	"github.com/sbilly/chaser/internal/errs"
	"github.com/sbilly/chaser/internal/session"
)

// SelectorKind is the closed set of element query strategies.
type SelectorKind string

const (
	SelectorCSS   SelectorKind = "CSS"
	SelectorXPath SelectorKind = "XPATH"
	SelectorText  SelectorKind = "TEXT"
)

// findByTextJS locates the first leaf element (one with no element
// children) whose visible text contains the needle, depth-first.
const findByTextJS = `(function(needle) {
	const walker = document.createTreeWalker(document.body, NodeFilter.SHOW_ELEMENT);
	let node;
	while ((node = walker.nextNode())) {
		const text = (node.innerText || '').trim();
		if (text.includes(needle) && node.children.length === 0) {
			return node;
		}
	}
	return null;
})`

// FindElement resolves a selector to an element handle on the page.
func (d *Driver) FindElement(ctx context.Context, pageID string, kind SelectorKind, selector string) (*session.Element, error) {
	if selector == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "selector must not be empty")
	}
	switch kind {
	case SelectorCSS, SelectorXPath, SelectorText:
	default:
		return nil, errs.New(errs.CodeInvalidArgument, "unknown selector kind %q", kind)
	}

	p, err := d.page(pageID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()
	pctx := cdpruntime.WithExecutor(ctx, p.Executor())

	var nodeID cdpruntime.NodeID
	switch kind {
	case SelectorCSS:
		root, err := dom.GetDocument().Do(pctx)
		if err != nil {
			return nil, err
		}
		nodeID, err = dom.QuerySelector(root.NodeID, selector).Do(pctx)
		if err != nil {
			return nil, err
		}

	case SelectorXPath:
		// performSearch handles XPath expressions natively.
		if _, err := dom.GetDocument().Do(pctx); err != nil {
			return nil, err
		}
		searchID, count, err := dom.PerformSearch(selector).Do(pctx)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = dom.DiscardSearchResults(searchID).Do(pctx)
		}()
		if count == 0 {
			return nil, errs.New(errs.CodeNotFound, "no element matches the selector")
		}
		ids, err := dom.GetSearchResults(searchID, 0, 1).Do(pctx)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, errs.New(errs.CodeNotFound, "no element matches the selector")
		}
		nodeID = ids[0]

	case SelectorText:
		obj, exp, err := runtime.Evaluate(findByTextJS + "(" + jsString(selector) + ")").Do(pctx)
		if err != nil {
			return nil, err
		}
		if exp != nil {
			return nil, errs.New(errs.CodeInternal, "text search failed: %s", exp.Text)
		}
		if obj == nil || obj.ObjectID == "" {
			return nil, errs.New(errs.CodeNotFound, "no element matches the text")
		}
		nodeID, err = dom.RequestNode(obj.ObjectID).Do(pctx)
		if err != nil {
			return nil, err
		}
	}

	if nodeID == 0 {
		return nil, errs.New(errs.CodeNotFound, "no element matches the selector")
	}

	// Resolve the durable backend node id; NodeIDs die with the
	// frontend document snapshot.
	node, err := dom.DescribeNode().WithNodeID(nodeID).Do(pctx)
	if err != nil {
		return nil, err
	}

	el := d.registry.CreateElement(p, node.BackendNodeID, "")
	d.logger.WithField("page_id", p.ID).WithField("element_id", el.ID).Debug("element resolved")
	return el, nil
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\'', '\\':
			out = append(out, '\\', c)
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		default:
			out = append(out, c)
		}
	}
	return string(append(out, '\''))
}
