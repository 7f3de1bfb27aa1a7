package event

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbilly/chaser/internal/errs"
)

func testDispatcher() *Dispatcher {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewDispatcher(l, 256)
}

func consoleEvent(pageID string, i int) Event {
	return Event{
		Kind:        KindConsoleLog,
		PageID:      pageID,
		BrowserID:   "b1",
		TimestampMs: time.Now().UnixMilli(),
		Payload:     ConsolePayload{Level: "log", Args: []string{fmt.Sprintf("msg-%d", i)}},
	}
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	d := testDispatcher()
	sub := d.Subscribe(Scope{PageID: "p1"}, []Kind{KindConsoleLog}, Filter{}, 64)

	for i := 0; i < 10; i++ {
		d.Publish(consoleEvent("p1", i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, KindConsoleLog, ev.Kind)
		assert.Equal(t, []string{fmt.Sprintf("msg-%d", i)}, ev.Payload.(ConsolePayload).Args)
		assert.Zero(t, ev.Lagged)
	}
}

func TestSubscribeScopeAndKindFiltering(t *testing.T) {
	d := testDispatcher()
	pageSub := d.Subscribe(Scope{PageID: "p1"}, []Kind{KindConsoleLog}, Filter{}, 16)
	browserSub := d.Subscribe(Scope{BrowserID: "b1"}, nil, Filter{}, 16)
	globalSub := d.Subscribe(Scope{}, []Kind{KindPageLoaded}, Filter{}, 16)

	d.Publish(consoleEvent("p2", 0)) // other page, same browser
	d.Publish(Event{Kind: KindPageLoaded, PageID: "p1", BrowserID: "b1", Payload: PagePayload{}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev, err := browserSub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindConsoleLog, ev.Kind)

	ev, err = globalSub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindPageLoaded, ev.Kind)

	// The page-scoped console subscription saw neither event.
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	_, err = pageSub.Next(shortCtx)
	require.Equal(t, errs.CodeTimeout, errs.CodeOf(err))
}

func TestURLGlobFilter(t *testing.T) {
	d := testDispatcher()
	sub := d.Subscribe(Scope{PageID: "p1"}, []Kind{KindRequestSent}, Filter{URLGlob: "https://example.com/*"}, 16)

	d.Publish(Event{Kind: KindRequestSent, PageID: "p1", Payload: RequestPayload{URL: "https://other.net/x", Method: "GET"}})
	d.Publish(Event{Kind: KindRequestSent, PageID: "p1", Payload: RequestPayload{URL: "https://example.com/a", Method: "GET"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", ev.Payload.(RequestPayload).URL)
}

func TestResourceTypeFilter(t *testing.T) {
	d := testDispatcher()
	sub := d.Subscribe(Scope{}, []Kind{KindRequestSent}, Filter{ResourceTypes: []string{"XHR"}}, 16)

	d.Publish(Event{Kind: KindRequestSent, PageID: "p1", Payload: RequestPayload{URL: "a", ResourceType: "Image"}})
	d.Publish(Event{Kind: KindRequestSent, PageID: "p1", Payload: RequestPayload{URL: "b", ResourceType: "XHR"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", ev.Payload.(RequestPayload).URL)
}

func TestOverflowDropsOldestAndAnnotates(t *testing.T) {
	d := testDispatcher()
	sub := d.Subscribe(Scope{PageID: "p1"}, []Kind{KindConsoleLog}, Filter{}, 4)

	for i := 0; i < 10; i++ {
		d.Publish(consoleEvent("p1", i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 6 dropped; the oldest surviving event is msg-6, annotated with the
	// drop count at its publish time.
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-6"}, ev.Payload.(ConsolePayload).Args)
	assert.EqualValues(t, 3, ev.Lagged)
	assert.EqualValues(t, 6, sub.LaggedCount())

	var received int
	for received = 1; ; received++ {
		shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, err := sub.Next(shortCtx)
		shortCancel()
		if err != nil {
			break
		}
	}

	// Conservation: received + lagged ≤ published.
	assert.LessOrEqual(t, uint64(received-1)+sub.LaggedCount(), uint64(10))
}

func TestStuckSubscriberTerminatedLagged(t *testing.T) {
	d := testDispatcher()
	sub := d.Subscribe(Scope{PageID: "p1"}, []Kind{KindConsoleLog}, Filter{}, 2)

	for i := 0; i < 5; i++ {
		d.Publish(consoleEvent("p1", i))
	}

	// No reads at all: the queue stays full past the grace period, after
	// which the stream surfaces LAGGED instead of the buffered events.
	time.Sleep(laggedGrace + 500*time.Millisecond)
	require.Equal(t, errs.CodeLagged, errs.CodeOf(nextErr(sub, 50*time.Millisecond)))

	// Dropped from the dispatcher: later publishes are not delivered.
	d.Publish(consoleEvent("p1", 99))
	assert.Equal(t, errs.CodeLagged, errs.CodeOf(nextErr(sub, 50*time.Millisecond)))
}

// nextErr reads one event under a short deadline and reports the error.
func nextErr(sub *Subscription, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_, err := sub.Next(ctx)
	return err
}

func TestPageClosedSentinelTerminatesPageScope(t *testing.T) {
	d := testDispatcher()

	// Subscribed only to console events; the sentinel must arrive anyway.
	pageSub := d.Subscribe(Scope{PageID: "p1"}, []Kind{KindConsoleLog}, Filter{}, 16)
	otherSub := d.Subscribe(Scope{PageID: "p2"}, []Kind{KindConsoleLog}, Filter{}, 16)

	d.PageClosed("p1", "b1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev, err := pageSub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindPageClosed, ev.Kind)

	_, err = pageSub.Next(ctx)
	require.Equal(t, errs.CodePageClosed, errs.CodeOf(err))

	// Unrelated page subscriptions are untouched.
	d.Publish(consoleEvent("p2", 1))
	ev, err = otherSub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindConsoleLog, ev.Kind)
}

func TestUnsubscribeDrainsThenEnds(t *testing.T) {
	d := testDispatcher()
	sub := d.Subscribe(Scope{PageID: "p1"}, nil, Filter{}, 16)

	d.Publish(consoleEvent("p1", 1))
	d.Unsubscribe(sub.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindConsoleLog, ev.Kind)

	_, err = sub.Next(ctx)
	require.Error(t, err)
}
