package session

import (
	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
)

// Element is a handle onto a DOM node of one page. Elements are
// staleable: any main-frame navigation on the owning page advances the
// page epoch, and a handle minted under an older epoch fails with STALE.
type Element struct {
	ID     string
	PageID string

	BackendNodeID cdpruntime.BackendNodeID
	ObjectID      runtime.RemoteObjectID

	// Epoch is the owning page's navigation epoch at creation time.
	Epoch uint64
}
