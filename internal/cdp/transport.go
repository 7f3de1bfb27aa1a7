// Package cdp implements the multiplexed request/response + event client
// for one Chrome DevTools Protocol websocket.
//
// A Transport is internally a single actor: a reader goroutine parses
// inbound frames and a run loop owns the command-slot table, serializes
// outbound frames and fans notifications out to subscribers. Callers of
// Send suspend on their slot; subscribers each own a bounded queue.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"

	"github.com/sbilly/chaser/internal/errs"
)

// Status is the transport lifecycle state. Transitions are one-way:
// Connecting → Open → Closing → Closed.
type Status int32

const (
	StatusConnecting Status = iota
	StatusOpen
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Notification is an inbound CDP event frame.
type Notification struct {
	Method    cdproto.MethodType
	SessionID target.SessionID
	Params    easyjson.RawMessage
}

// commandSlot pairs an in-flight command id with its one-shot completion
// cell. Slots live in the run loop's table from send until response,
// timeout or transport close.
type commandSlot struct {
	id   int64
	msg  *cdproto.Message
	resp chan *cdproto.Message
}

// subscriber is one Subscribe caller's delivery queue.
type subscriber struct {
	prefix    string
	sessionID target.SessionID
	all       bool // no session filter

	ch       chan Notification
	err      error // terminal; set by the run loop before ch is closed
	doneOnce sync.Once
	done     chan struct{}
}

// Subscription is a unicast stream of notifications. After C is closed,
// Err reports why the stream ended.
type Subscription struct {
	t   *Transport
	sub *subscriber
}

// C returns the delivery channel. It is closed when the subscription
// terminates.
func (s *Subscription) C() <-chan Notification { return s.sub.ch }

// Err returns the terminal error: ErrSubscriptionLagged,
// ErrTransportClosed, or nil after a voluntary Close.
func (s *Subscription) Err() error {
	select {
	case <-s.sub.done:
		return s.sub.err
	default:
		return nil
	}
}

// Close cancels the subscription.
func (s *Subscription) Close() {
	select {
	case s.t.unsubCh <- s.sub:
	case <-s.t.done:
	}
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithDefaultTimeout overrides the per-command deadline applied when the
// caller's context carries none.
func WithDefaultTimeout(d time.Duration) TransportOption {
	return func(t *Transport) { t.defaultTimeout = d }
}

// WithDebugf installs a protocol frame logger.
func WithDebugf(f func(string, ...any)) TransportOption {
	return func(t *Transport) { t.dbgf = f }
}

// Transport is a multiplexed CDP websocket client. One Transport serves
// many CDP sessions distinguished by sessionId; command ids are assigned
// from a monotonic counter that never resets.
type Transport struct {
	url    string
	conn   *conn
	logger logrus.FieldLogger
	dbgf   func(string, ...any)

	defaultTimeout time.Duration

	next atomic.Int64

	cmdCh    chan *commandSlot
	dropCh   chan int64
	respCh   chan *cdproto.Message
	notifyCh chan *cdproto.Message
	subCh    chan *subscriber
	unsubCh  chan *subscriber

	status atomic.Int32

	cancel context.CancelFunc
	done   chan struct{}

	closeErr error // reason; readable after done is closed
}

// Dial connects to a DevTools websocket endpoint and starts the
// transport's reader and run loops.
func Dial(ctx context.Context, urlstr string, logger logrus.FieldLogger, opts ...TransportOption) (*Transport, error) {
	t := &Transport{
		url:            urlstr,
		logger:         logger.WithField("ws_url", urlstr),
		defaultTimeout: 30 * time.Second,

		cmdCh:    make(chan *commandSlot),
		dropCh:   make(chan int64),
		respCh:   make(chan *cdproto.Message),
		notifyCh: make(chan *cdproto.Message, 64),
		subCh:    make(chan *subscriber),
		unsubCh:  make(chan *subscriber),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.status.Store(int32(StatusConnecting))

	conn, err := dialContext(ctx, urlstr, t.dbgf)
	if err != nil {
		t.status.Store(int32(StatusClosed))
		return nil, errs.Wrap(errs.CodeTransportClosed, err, "dialing devtools endpoint")
	}
	t.conn = conn
	t.status.Store(int32(StatusOpen))

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.run(runCtx)

	t.logger.Debug("transport open")
	return t, nil
}

// Status returns the current lifecycle state.
func (t *Transport) Status() Status {
	return Status(t.status.Load())
}

// Done is closed once the transport reaches Closed.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err returns the close reason after Done is closed.
func (t *Transport) Err() error {
	select {
	case <-t.done:
		return t.closeErr
	default:
		return nil
	}
}

// Shutdown fails all outstanding slots with TRANSPORT_CLOSED, terminates
// subscriber streams and closes the socket. It is idempotent and returns
// once the transport reaches Closed.
func (t *Transport) Shutdown() {
	t.status.CompareAndSwap(int32(StatusOpen), int32(StatusClosing))
	t.cancel()
	<-t.done
}

// Send issues one command and suspends until its response, the caller's
// deadline, or transport close. At-most-once: on timeout the slot is
// dropped, but the browser may still execute the command.
func (t *Transport) Send(ctx context.Context, sessionID target.SessionID, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.defaultTimeout)
		defer cancel()
	}

	var buf easyjson.RawMessage
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return errs.Wrap(errs.CodeInternal, err, "marshaling %s params", method)
		}
	}

	slot := &commandSlot{
		id:   t.next.Add(1),
		resp: make(chan *cdproto.Message, 1),
	}
	slot.msg = &cdproto.Message{
		ID:        slot.id,
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}

	select {
	case t.cmdCh <- slot:
	case <-ctx.Done():
		return t.deadlineError(ctx, method)
	case <-t.done:
		return errs.New(errs.CodeTransportClosed, "%s: transport closed", method)
	}

	select {
	case msg, ok := <-slot.resp:
		if !ok || msg == nil {
			return errs.New(errs.CodeTransportClosed, "%s: transport closed", method)
		}
		if msg.Error != nil {
			return errs.Protocol(msg.Error.Code, msg.Error.Message)
		}
		if res != nil {
			if err := easyjson.Unmarshal(msg.Result, res); err != nil {
				return errs.Wrap(errs.CodeInternal, err, "unmarshaling %s result", method)
			}
		}
		return nil
	case <-ctx.Done():
		// Remove the slot so a late response is silently discarded.
		select {
		case t.dropCh <- slot.id:
		case <-t.done:
		}
		return t.deadlineError(ctx, method)
	case <-t.done:
		return errs.New(errs.CodeTransportClosed, "%s: transport closed", method)
	}
}

func (t *Transport) deadlineError(ctx context.Context, method string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return errs.Wrap(errs.CodeTimeout, ctx.Err(), "%s: canceled", method)
	}
	return errs.New(errs.CodeTimeout, "%s: deadline elapsed", method)
}

// Subscribe registers a notification stream. methodPrefix filters by CDP
// method prefix ("" for all); sessionID scopes to one CDP session (empty
// means browser-wide, i.e. no session filter). The stream's queue holds
// buffer notifications; on overflow the subscriber is disconnected with
// ErrSubscriptionLagged.
func (t *Transport) Subscribe(methodPrefix string, sessionID target.SessionID, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &subscriber{
		prefix:    methodPrefix,
		sessionID: sessionID,
		all:       sessionID == "",
		ch:        make(chan Notification, buffer),
		done:      make(chan struct{}),
	}
	select {
	case t.subCh <- sub:
	case <-t.done:
		sub.terminate(ErrTransportClosed)
	}
	return &Subscription{t: t, sub: sub}
}

func (s *subscriber) matches(msg *cdproto.Message) bool {
	if !s.all && msg.SessionID != s.sessionID {
		return false
	}
	return s.prefix == "" || strings.HasPrefix(string(msg.Method), s.prefix)
}

func (s *subscriber) terminate(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		close(s.done)
		close(s.ch)
	})
}

// run is the transport actor: it owns the slot table and the subscriber
// set, serializes writes and preserves per-session notification order.
func (t *Transport) run(ctx context.Context) {
	// Canceled on exit so the reader never stays blocked handing off a
	// frame to a loop that is gone.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)

	go func() {
		for {
			msg := new(cdproto.Message)
			if err := t.conn.read(msg); err != nil {
				var malformed *malformedFrameError
				if errors.As(err, &malformed) {
					t.logger.WithError(malformed.err).Warn("dropping malformed frame")
					continue
				}
				readErr <- err
				return
			}
			switch {
			case msg.ID != 0:
				select {
				case t.respCh <- msg:
				case <-ctx.Done():
					return
				}
			case msg.Method != "":
				select {
				case t.notifyCh <- msg:
				case <-ctx.Done():
					return
				}
			default:
				t.logger.Warn("dropping frame with neither id nor method")
			}
		}
	}()

	slots := make(map[int64]*commandSlot)
	subs := make(map[*subscriber]struct{})

	closeReason := error(nil)
loop:
	for {
		select {
		case slot := <-t.cmdCh:
			if _, ok := slots[slot.id]; ok {
				// Cannot happen while the counter is monotonic.
				t.logger.WithField("id", slot.id).Error("duplicate command id")
				close(slot.resp)
				continue
			}
			slots[slot.id] = slot
			if err := t.conn.write(slot.msg); err != nil {
				closeReason = err
				break loop
			}

		case id := <-t.dropCh:
			delete(slots, id)

		case msg := <-t.respCh:
			slot, ok := slots[msg.ID]
			if !ok {
				// Late response after a timeout; the slot is gone.
				t.logger.WithField("id", msg.ID).Debug("discarding late response")
				continue
			}
			delete(slots, msg.ID)
			slot.resp <- msg

		case msg := <-t.notifyCh:
			for sub := range subs {
				if !sub.matches(msg) {
					continue
				}
				select {
				case sub.ch <- Notification{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params}:
				default:
					delete(subs, sub)
					sub.terminate(ErrSubscriptionLagged)
					t.logger.WithField("method_prefix", sub.prefix).Warn("disconnecting lagged subscriber")
				}
			}

		case sub := <-t.subCh:
			subs[sub] = struct{}{}

		case sub := <-t.unsubCh:
			if _, ok := subs[sub]; ok {
				delete(subs, sub)
				sub.terminate(nil)
			}

		case err := <-readErr:
			closeReason = err
			break loop

		case <-ctx.Done():
			break loop
		}
	}

	t.status.Store(int32(StatusClosing))
	t.conn.Close()

	for id, slot := range slots {
		close(slot.resp)
		delete(slots, id)
	}
	for sub := range subs {
		sub.terminate(ErrTransportClosed)
	}

	if closeReason != nil {
		t.closeErr = errs.Wrap(errs.CodeTransportClosed, closeReason, "websocket failed")
		t.logger.WithError(closeReason).Info("transport closed")
	} else {
		t.logger.Debug("transport closed")
	}
	t.status.Store(int32(StatusClosed))
	close(t.done)
}

// session is a cdp.Executor bound to one CDP session, letting cdproto
// command builders run through this transport:
//
//	page.Navigate(u).Do(cdp.WithExecutor(ctx, t.Session(id)))
type session struct {
	t  *Transport
	id target.SessionID
}

// Session returns an executor scoped to the given CDP session. An empty
// id addresses the browser endpoint itself.
func (t *Transport) Session(id target.SessionID) cdpruntime.Executor {
	return session{t: t, id: id}
}

// Execute implements cdproto's cdp.Executor.
func (s session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return s.t.Send(ctx, s.id, method, params, res)
}
