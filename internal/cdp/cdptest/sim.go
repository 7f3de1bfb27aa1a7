package cdptest

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

func sessionTyped(s string) target.SessionID { return target.SessionID(s) }

// Canned payloads used by BrowserSim.
const (
	// OnePixelPNG is a 1×1 transparent PNG, base64-encoded.
	OnePixelPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="

	// MiniPDF is a minimal one-page PDF document, base64-encoded.
	MiniPDF = "JVBERi0xLjQKMSAwIG9iago8PCAvVHlwZSAvQ2F0YWxvZyAvUGFnZXMgMiAwIFIgPj4KZW5kb2JqCjIgMCBvYmoKPDwgL1R5cGUgL1BhZ2VzIC9LaWRzIFszIDAgUl0gL0NvdW50IDEgPj4KZW5kb2JqCjMgMCBvYmoKPDwgL1R5cGUgL1BhZ2UgL1BhcmVudCAyIDAgUiAvTWVkaWFCb3ggWzAgMCA2MTIgNzkyXSAvUmVzb3VyY2VzIDw8ID4+ID4+CmVuZG9iagp4cmVmCjAgNAowMDAwMDAwMDAwIDY1NTM1IGYgCjAwMDAwMDAwMDkgMDAwMDAgbiAKMDAwMDAwMDA1OCAwMDAwMCBuIAowMDAwMDAwMTE1IDAwMDAwIG4gCnRyYWlsZXIKPDwgL1NpemUgNCAvUm9vdCAxIDAgUiA+PgpzdGFydHhyZWYKMjAzCiUlRU9GCg=="

	// SimNodeID / SimBackendNodeID identify the single element
	// BrowserSim resolves for every query.
	SimNodeID        = 42
	SimBackendNodeID = 4242
)

func result(id int64, sessionID string, body string) cdproto.Message {
	return cdproto.Message{
		ID:        id,
		SessionID: sessionTyped(sessionID),
		Result:    easyjson.RawMessage(body),
	}
}

// BrowserSim emulates the slice of a CDP browser the server exercises:
// target lifecycle, navigation with main-frame events, a one-element
// DOM, evaluation, capture and cookies. Unknown commands are
// acknowledged with an empty result.
func BrowserSim() Handler {
	var mu sync.Mutex
	nextTarget := 0

	return func(msg *cdproto.Message, writeCh chan<- cdproto.Message, done chan struct{}) {
		if msg.Method == "" {
			return
		}
		sessionID := string(msg.SessionID)

		switch msg.Method {
		case cdproto.MethodType(cdproto.CommandTargetCreateTarget):
			mu.Lock()
			nextTarget++
			id := fmt.Sprintf("target-%d", nextTarget)
			mu.Unlock()
			writeCh <- result(msg.ID, sessionID, fmt.Sprintf(`{"targetId":%q}`, id))

		case cdproto.MethodType(cdproto.CommandTargetAttachToTarget):
			var params struct {
				TargetID string `json:"targetId"`
			}
			json.Unmarshal(msg.Params, &params)
			sess := "sess-" + params.TargetID
			writeCh <- cdproto.Message{
				Method: cdproto.EventTargetAttachedToTarget,
				Params: easyjson.RawMessage(fmt.Sprintf(`{
					"sessionId": %q,
					"targetInfo": {"targetId": %q, "type": "page", "title": "", "url": "about:blank", "attached": true},
					"waitingForDebugger": false
				}`, sess, params.TargetID)),
			}
			writeCh <- result(msg.ID, sessionID, fmt.Sprintf(`{"sessionId":%q}`, sess))

		case cdproto.MethodType(cdproto.CommandTargetCloseTarget):
			var params struct {
				TargetID string `json:"targetId"`
			}
			json.Unmarshal(msg.Params, &params)
			writeCh <- result(msg.ID, sessionID, `{}`)
			writeCh <- cdproto.Message{
				Method: cdproto.EventTargetTargetDestroyed,
				Params: easyjson.RawMessage(fmt.Sprintf(`{"targetId":%q}`, params.TargetID)),
			}

		case cdproto.MethodType(cdproto.CommandPageNavigate):
			var params struct {
				URL string `json:"url"`
			}
			json.Unmarshal(msg.Params, &params)
			writeCh <- result(msg.ID, sessionID, `{"frameId":"frame-main","loaderId":"loader-1"}`)
			writeCh <- cdproto.Message{
				Method:    cdproto.EventPageFrameNavigated,
				SessionID: sessionTyped(sessionID),
				Params: easyjson.RawMessage(fmt.Sprintf(`{
					"frame": {"id": "frame-main", "loaderId": "loader-1", "url": %q, "securityOrigin": "", "mimeType": "text/html"}
				}`, params.URL)),
			}
			writeCh <- cdproto.Message{
				Method:    cdproto.EventPageLoadEventFired,
				SessionID: sessionTyped(sessionID),
				Params:    easyjson.RawMessage(`{"timestamp":1}`),
			}

		case cdproto.MethodType(cdproto.CommandPageReload):
			writeCh <- result(msg.ID, sessionID, `{}`)
			writeCh <- cdproto.Message{
				Method:    cdproto.EventPageLoadEventFired,
				SessionID: sessionTyped(sessionID),
				Params:    easyjson.RawMessage(`{"timestamp":2}`),
			}

		case cdproto.MethodType(cdproto.CommandDOMGetDocument):
			writeCh <- result(msg.ID, sessionID,
				`{"root":{"nodeId":1,"backendNodeId":1,"nodeType":9,"nodeName":"#document","childNodeCount":1}}`)

		case cdproto.MethodType(cdproto.CommandDOMQuerySelector):
			writeCh <- result(msg.ID, sessionID, fmt.Sprintf(`{"nodeId":%d}`, SimNodeID))

		case cdproto.MethodType(cdproto.CommandDOMDescribeNode):
			writeCh <- result(msg.ID, sessionID, fmt.Sprintf(
				`{"node":{"nodeId":%d,"backendNodeId":%d,"nodeType":1,"nodeName":"DIV"}}`,
				SimNodeID, SimBackendNodeID))

		case cdproto.MethodType(cdproto.CommandDOMPerformSearch):
			writeCh <- result(msg.ID, sessionID, `{"searchId":"search-1","resultCount":1}`)

		case cdproto.MethodType(cdproto.CommandDOMGetSearchResults):
			writeCh <- result(msg.ID, sessionID, fmt.Sprintf(`{"nodeIds":[%d]}`, SimNodeID))

		case cdproto.MethodType(cdproto.CommandDOMRequestNode):
			writeCh <- result(msg.ID, sessionID, fmt.Sprintf(`{"nodeId":%d}`, SimNodeID))

		case cdproto.MethodType(cdproto.CommandDOMGetBoxModel):
			writeCh <- result(msg.ID, sessionID,
				`{"model":{
					"content":[100,100,200,100,200,150,100,150],
					"padding":[100,100,200,100,200,150,100,150],
					"border":[100,100,200,100,200,150,100,150],
					"margin":[100,100,200,100,200,150,100,150],
					"width":100,"height":50}}`)

		case cdproto.MethodType(cdproto.CommandRuntimeEvaluate):
			writeCh <- result(msg.ID, sessionID, `{"result":{"type":"string","value":"ok"}}`)

		case cdproto.MethodType(cdproto.CommandPageCaptureScreenshot):
			writeCh <- result(msg.ID, sessionID, fmt.Sprintf(`{"data":%q}`, OnePixelPNG))

		case cdproto.MethodType(cdproto.CommandPagePrintToPDF):
			writeCh <- result(msg.ID, sessionID, fmt.Sprintf(`{"data":%q}`, MiniPDF))

		case cdproto.MethodType(cdproto.CommandPageGetLayoutMetrics):
			writeCh <- result(msg.ID, sessionID,
				`{"layoutViewport":{"pageX":0,"pageY":0,"clientWidth":800,"clientHeight":600},
				"visualViewport":{"offsetX":0,"offsetY":0,"pageX":0,"pageY":0,"clientWidth":800,"clientHeight":600,"scale":1},
				"contentSize":{"x":0,"y":0,"width":800,"height":2000},
				"cssLayoutViewport":{"pageX":0,"pageY":0,"clientWidth":800,"clientHeight":600},
				"cssVisualViewport":{"offsetX":0,"offsetY":0,"pageX":0,"pageY":0,"clientWidth":800,"clientHeight":600,"scale":1},
				"cssContentSize":{"x":0,"y":0,"width":800,"height":2000}}`)

		case cdproto.MethodType(cdproto.CommandNetworkGetCookies):
			writeCh <- result(msg.ID, sessionID,
				`{"cookies":[{"name":"sid","value":"abc123","domain":"example.com","path":"/","expires":-1,"size":9,"httpOnly":true,"secure":true,"session":true,"priority":"Medium","sameParty":false,"sourceScheme":"Secure","sourcePort":443}]}`)

		default:
			writeCh <- result(msg.ID, sessionID, `{}`)
		}
	}
}
