// Package api provides the HTTP REST API and WebSocket server for the
// mapped cover service.
//
// It exposes cover configuration CRUD, live mapped state reads, command
// submission, and real-time state updates over WebSocket.
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
