package websocket

// Provide creates the unified WebSocket gateway.
func Provide(d Deps) (*Gateway, error) {
	gateway := NewGateway(d)
	return gateway, nil
}
