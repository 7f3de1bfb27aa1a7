// Package cdptest provides a websocket test server that stands in for a
// CDP-speaking browser, so transport and registry tests run without a
// real Chromium.
package cdptest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

const (
	// SessionID is the CDP session handed out by the default handler.
	SessionID = "session_id_0123456789"

	// TargetID is the page target created by the default handler.
	TargetID = "target_id_0123456789"
)

// Handler reacts to one inbound CDP message. Replies and events go to
// writeCh; closing done tears the connection down.
type Handler func(msg *cdproto.Message, writeCh chan<- cdproto.Message, done chan struct{})

// Server is a fake CDP endpoint over a httptest websocket.
type Server struct {
	HTTP *httptest.Server

	mu       sync.Mutex
	received []cdproto.MethodType
	conns    []*serverConn
}

type serverConn struct {
	ws      *websocket.Conn
	writeCh chan cdproto.Message
	done    chan struct{}
}

// URL returns the ws:// address of the endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + "/cdp"
}

// Received returns the methods seen so far, in arrival order.
func (s *Server) Received() []cdproto.MethodType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cdproto.MethodType, len(s.received))
	copy(out, s.received)
	return out
}

// DropConnections abruptly closes every live websocket, simulating a
// browser crash.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.ws.Close()
	}
	s.conns = nil
}

// Emit pushes an unsolicited message (typically an event) to every live
// connection.
func (s *Server) Emit(msg cdproto.Message) {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		select {
		case c.writeCh <- msg:
		case <-c.done:
		}
	}
}

// New starts a fake CDP server routed through handler.
func New(t testing.TB, handler Handler) *Server {
	t.Helper()

	s := &Server{}
	mux := http.NewServeMux()
	mux.Handle("/cdp", websocketHandler(s, handler))
	s.HTTP = httptest.NewServer(mux)
	t.Cleanup(s.HTTP.Close)
	return s
}

// ReadMsg decodes one CDP message from the websocket.
func ReadMsg(conn *websocket.Conn) (*cdproto.Message, error) {
	_, buf, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg cdproto.Message
	decoder := jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&decoder)
	if err := decoder.Error(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// WriteMsg encodes one CDP message onto the websocket.
func WriteMsg(conn *websocket.Conn, msg *cdproto.Message) {
	encoder := jwriter.Writer{}
	msg.MarshalEasyJSON(&encoder)
	if encoder.Error != nil {
		return
	}
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return
	}
	if _, err := encoder.DumpTo(w); err != nil {
		return
	}
	w.Close()
}

func websocketHandler(s *Server, handler Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}

		done := make(chan struct{})
		writeCh := make(chan cdproto.Message)
		s.mu.Lock()
		s.conns = append(s.conns, &serverConn{ws: conn, writeCh: writeCh, done: done})
		s.mu.Unlock()

		go func() {
			for {
				select {
				case <-done:
					return
				default:
				}
				msg, err := ReadMsg(conn)
				if err != nil {
					close(done)
					return
				}
				if msg.Method != "" {
					s.mu.Lock()
					s.received = append(s.received, msg.Method)
					s.mu.Unlock()
				}
				handler(msg, writeCh, done)
			}
		}()

		go func() {
			for {
				select {
				case msg := <-writeCh:
					WriteMsg(conn, &msg)
				case <-done:
					return
				}
			}
		}()

		<-done
		conn.Close()
	})
}

// DefaultHandler acknowledges every command and emulates enough of the
// Target domain for the registry: createTarget mints a page target and
// attachToTarget yields a session.
func DefaultHandler(msg *cdproto.Message, writeCh chan<- cdproto.Message, done chan struct{}) {
	if msg.Method == "" {
		return
	}
	switch msg.Method {
	case cdproto.MethodType(cdproto.CommandTargetCreateTarget):
		writeCh <- cdproto.Message{
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Result:    easyjson.RawMessage(`{"targetId":"` + TargetID + `"}`),
		}
	case cdproto.MethodType(cdproto.CommandTargetAttachToTarget):
		writeCh <- cdproto.Message{
			Method: cdproto.EventTargetAttachedToTarget,
			Params: easyjson.RawMessage(`{
				"sessionId": "` + SessionID + `",
				"targetInfo": {
					"targetId": "` + TargetID + `",
					"type": "page",
					"title": "",
					"url": "about:blank",
					"attached": true
				},
				"waitingForDebugger": false
			}`),
		}
		writeCh <- cdproto.Message{
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Result:    easyjson.RawMessage(`{"sessionId":"` + SessionID + `"}`),
		}
	default:
		writeCh <- cdproto.Message{
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Result:    easyjson.RawMessage("{}"),
		}
	}
}
