package common

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Kinds
// --------------------------------------------------------------------------

var (
	// ErrConfiguration is returned for invalid client configurations (unsupported scheme, TLS mismatch, ...)
	ErrConfiguration = errors.New("configuration error")
	// ErrClientClosed is returned for every operation attempted after Close
	ErrClientClosed = errors.New("client closed")
	// ErrTransportUnsupported is returned if the selected transport cannot serve the endpoint
	ErrTransportUnsupported = errors.New("transport unsupported")
	// ErrTransport is returned for connection-establishment and connection failures
	ErrTransport = errors.New("transport error")
	// ErrProtocol is returned if the server rejected or could not process a request
	ErrProtocol = errors.New("protocol error")
	// ErrTransactionClosed is returned for operations on a committed, rolled back or closed transaction
	ErrTransactionClosed = errors.New("transaction closed")
)

// ErrorKind names the kind of failure an error belongs to
type ErrorKind string

const (
	KindNone                 ErrorKind = ""
	KindConfiguration        ErrorKind = "configuration"
	KindClientClosed         ErrorKind = "client_closed"
	KindTransportUnsupported ErrorKind = "transport_unsupported"
	KindTransport            ErrorKind = "transport"
	KindProtocol             ErrorKind = "protocol"
	KindTransactionClosed    ErrorKind = "transaction_closed"
	KindUnknown              ErrorKind = "unknown"
)

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrConfiguration, KindConfiguration},
	{ErrClientClosed, KindClientClosed},
	{ErrTransportUnsupported, KindTransportUnsupported},
	{ErrTransport, KindTransport},
	{ErrProtocol, KindProtocol},
	{ErrTransactionClosed, KindTransactionClosed},
}

// KindOf classifies an error. It returns KindNone for nil and KindUnknown for
// errors that do not wrap one of the sentinel errors of this package.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// AsTransportError wraps err as a transport error unless it is already classified
func AsTransportError(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
