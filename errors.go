package xpos

import (
	"errors"
	"fmt"
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

var (
	ErrBusClosed                   = errors.New("xpos: bus is closed")
	ErrInvalidTopic                = errors.New("xpos: topic must not be empty")
	ErrInvalidEventName            = errors.New("xpos: event name must not be empty")
	ErrInvalidPayload              = errors.New("xpos: payload must not be nil")
	ErrInvalidSubscription         = errors.New("xpos: subscription requires topic, group and handler")
	ErrNoTransportConfigured       = errors.New("xpos: no transport configured")
	ErrHandlerPanic                = errors.New("xpos: handler panic")
	ErrObserverPoolShutdownTimeout = errors.New("xpos: observer pool shutdown timed out")

	ErrTransactionsUnsupported = errors.New("xpos: transport does not support transacted sessions")
	ErrSessionClosed           = errors.New("xpos: session is closed")
	ErrForeignDelivery         = errors.New("xpos: delivery does not belong to this transport")
)
