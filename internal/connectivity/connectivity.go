// Package connectivity answers whether a sending instance is currently
// logged in on the messaging gateway.
package connectivity

import (
	"context"
	"strings"

	"github.com/foxzi/chatblast/internal/gateway"
)

// Source reports the live connection state of an instance
type Source interface {
	IsConnected(ctx context.Context, instance string) (bool, error)
}

// StateClient is implemented by gateway.Client
type StateClient interface {
	ConnectionState(ctx context.Context, instance string) (string, error)
}

// GatewaySource asks the gateway for every lookup
type GatewaySource struct {
	client StateClient
}

// NewGatewaySource creates a gateway-backed source
func NewGatewaySource(client StateClient) *GatewaySource {
	return &GatewaySource{client: client}
}

// IsConnected reports whether the instance session is open
func (s *GatewaySource) IsConnected(ctx context.Context, instance string) (bool, error) {
	state, err := s.client.ConnectionState(ctx, instance)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(state, gateway.StateOpen), nil
}

// StaticSource reports a fixed set of instances as connected
type StaticSource struct {
	connected map[string]bool
}

// NewStaticSource creates a source where exactly the named instances are connected
func NewStaticSource(instances ...string) *StaticSource {
	s := &StaticSource{connected: make(map[string]bool, len(instances))}
	for _, name := range instances {
		s.connected[name] = true
	}
	return s
}

// IsConnected reports whether the instance is in the static set
func (s *StaticSource) IsConnected(_ context.Context, instance string) (bool, error) {
	return s.connected[instance], nil
}
