package cdp

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

var (
	// DefaultReadBufferSize is the default maximum read buffer size.
	DefaultReadBufferSize = 25 * 1024 * 1024

	// DefaultWriteBufferSize is the default maximum write buffer size.
	DefaultWriteBufferSize = 10 * 1024 * 1024
)

// malformedFrameError marks a frame that decoded badly on an otherwise
// healthy socket; the reader drops the frame and continues.
type malformedFrameError struct {
	err error
}

func (e *malformedFrameError) Error() string {
	return "malformed frame: " + e.err.Error()
}

func (e *malformedFrameError) Unwrap() error { return e.err }

// conn wraps a gorilla/websocket.Conn carrying one DevTools endpoint.
// Read and Write reuse the easyjson lexer/writer to avoid per-frame
// allocations; neither is safe for concurrent use with itself.
type conn struct {
	*websocket.Conn

	// buf reuses space when draining websocket frames.
	buf bytes.Buffer

	lexer  jlexer.Lexer
	writer jwriter.Writer

	dbgf func(string, ...any)
}

// dialContext dials the DevTools websocket URL.
func dialContext(ctx context.Context, urlstr string, dbgf func(string, ...any)) (*conn, error) {
	d := &websocket.Dialer{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
	}
	wsConn, _, err := d.DialContext(ctx, forceIP(urlstr), nil)
	if err != nil {
		return nil, err
	}
	return &conn{Conn: wsConn, dbgf: dbgf}, nil
}

func (c *conn) bufReadAll(r io.Reader) ([]byte, error) {
	c.buf.Reset()
	_, err := c.buf.ReadFrom(r)
	return c.buf.Bytes(), err
}

// read reads and decodes the next message.
func (c *conn) read(msg *cdproto.Message) error {
	typ, r, err := c.NextReader()
	if err != nil {
		return err
	}
	if typ != websocket.TextMessage {
		return &malformedFrameError{err: ErrInvalidWebsocketMessage}
	}

	// Drain into the shared buffer rather than allocating per frame.
	buf, err := c.bufReadAll(r)
	if err != nil {
		return err
	}
	if c.dbgf != nil {
		c.dbgf("<- %s", buf)
	}

	c.lexer = jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&c.lexer)
	if err := c.lexer.Error(); err != nil {
		// The socket itself is fine; only this frame is unusable.
		return &malformedFrameError{err: err}
	}

	// The lexer borrows the shared buffer; Params/Result must be copied
	// out before the next frame overwrites it.
	msg.Params = append([]byte{}, msg.Params...)
	msg.Result = append([]byte{}, msg.Result...)
	return nil
}

// write encodes and writes a message as one text frame.
func (c *conn) write(msg *cdproto.Message) error {
	w, err := c.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	defer w.Close()

	c.writer = jwriter.Writer{}
	msg.MarshalEasyJSON(&c.writer)
	if err := c.writer.Error; err != nil {
		return err
	}

	if c.dbgf != nil {
		buf, _ := c.writer.BuildBytes()
		c.dbgf("-> %s", buf)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	} else {
		if _, err := c.writer.DumpTo(w); err != nil {
			return err
		}
	}
	return w.Close()
}

// forceIP forces the host component in urlstr to be an IP address.
//
// Chrome 66+ requires the "Host:" header of DevTools clients to be either
// an IP address or "localhost".
func forceIP(urlstr string) string {
	if i := strings.Index(urlstr, "://"); i != -1 {
		scheme := urlstr[:i+3]
		host, port, path := urlstr[len(scheme):], "", ""
		if i := strings.Index(host, "/"); i != -1 {
			host, path = host[:i], host[i:]
		}
		if i := strings.Index(host, ":"); i != -1 {
			host, port = host[:i], host[i:]
		}
		if host == "localhost" {
			return urlstr
		}
		if addr, err := net.ResolveIPAddr("ip", host); err == nil {
			urlstr = scheme + addr.IP.String() + port + path
		}
	}
	return urlstr
}
