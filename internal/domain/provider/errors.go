package provider

import "errors"

// Sentinel errors for the provider domain: a flat set of
// errors.Is-comparable values rather than a generic error-code enum.
var (
	// ErrProviderConfigInvalid is returned by ProviderConfig.Validate when
	// a transport-specific required field is missing.
	ErrProviderConfigInvalid = errors.New("provider config invalid")

	// ErrProviderNotFound is returned when a provider name has no
	// registered ProviderState.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderStartFailed wraps a transport-level failure to establish
	// or initialize a provider connection.
	ErrProviderStartFailed = errors.New("provider start failed")

	// ErrProviderDisconnected is returned when an operation requires a
	// connected provider and the provider is not connected.
	ErrProviderDisconnected = errors.New("provider disconnected")

	// ErrProviderNotConnected is callTool's failure when the named
	// provider is registered but currently offline.
	ErrProviderNotConnected = errors.New("provider not connected")

	// ErrTransportClosed indicates the underlying transport (subprocess,
	// HTTP connection) closed while a request was outstanding.
	ErrTransportClosed = errors.New("transport closed")

	// ErrRequestTimeout is returned when a provider's 30s per-request
	// deadline elapses with no response.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrToolNotFound is callTool's failure when the exposed name is not
	// present in the live aggregate catalog.
	ErrToolNotFound = errors.New("tool not found")

	// ErrCancelled indicates the operation was cancelled by a concurrent
	// stop/remove rather than failing on its own.
	ErrCancelled = errors.New("cancelled")
)

// ProtocolError wraps an upstream JSON-RPC error object, surfaced verbatim
//
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}
