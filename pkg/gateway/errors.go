package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrConnect means the websocket transport could not be opened.
	ErrConnect = errors.New("gateway connection failed")
	// ErrNotConnected means an exchange was attempted before Connect.
	ErrNotConnected = errors.New("not connected to gateway")
	// ErrAuthentication means the gateway did not return a token.
	ErrAuthentication = errors.New("gateway authentication failed")
	// ErrTimeout means no matching response arrived within the budget.
	ErrTimeout = errors.New("timed out waiting for gateway response")
	// ErrConnectionLost means the transport closed while calls were pending.
	ErrConnectionLost = errors.New("gateway connection lost")
	// ErrProtocol means a response payload was empty or malformed.
	ErrProtocol = errors.New("malformed gateway response")
	// ErrCallPending means a request expecting the same response type is
	// already in flight.
	ErrCallPending = errors.New("request already in flight")
)

// CommandError is returned when the gateway acknowledges a command with a
// non-zero status code.
type CommandError struct {
	Code int
	Msg  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("gateway rejected command (code=%d, msg=%q)", e.Code, e.Msg)
}
