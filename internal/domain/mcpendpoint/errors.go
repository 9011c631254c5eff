package mcpendpoint

import "errors"

// Sentinel errors for the endpoint domain, in the same flat
// errors.Is-comparable style as internal/domain/provider/errors.go.
var (
	// ErrEndpointExists is returned by addEndpoint for a URL already
	// registered with the Endpoint Manager.
	ErrEndpointExists = errors.New("endpoint already exists")

	// ErrEndpointNotInitialized is an Endpoint Connection's failure when
	// a request arrives before the upstream has sent
	// notifications/initialized.
	ErrEndpointNotInitialized = errors.New("endpoint not initialized")
)
