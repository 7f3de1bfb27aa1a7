package cdp

// Error is a transport-level sentinel error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string {
	return string(err)
}

// Error types.
const (
	// ErrInvalidWebsocketMessage is returned for non-text frames.
	ErrInvalidWebsocketMessage Error = "invalid websocket message"

	// ErrTransportClosed is the terminal subscription error after the
	// socket is gone.
	ErrTransportClosed Error = "transport closed"

	// ErrSubscriptionLagged is the terminal subscription error when a
	// subscriber's queue overflowed.
	ErrSubscriptionLagged Error = "subscription lagged"
)
