// Package provision tracks gateway and device credentials for the cloud
// tier.
package provision

import (
	"sync"

	"github.com/google/uuid"
)

// GatewaySecret is the shared secret autoscaled gateway replicas present on
// first contact; presenting it auto-registers the gateway.
const GatewaySecret = "gateway-secret"

type Device struct {
	Secret    string
	GatewayID string
	Status    string
}

type Registry struct {
	mu       sync.Mutex
	gateways map[string]string
	devices  map[string]Device
}

func NewRegistry() *Registry {
	return &Registry{
		gateways: map[string]string{
			"gateway-01": GatewaySecret,
		},
		devices: map[string]Device{},
	}
}

// RegisterDevice mints a device identity bound to the requesting gateway.
func (r *Registry) RegisterDevice(gatewayID string) (deviceID, secret string) {
	deviceID = uuid.NewString()
	secret = uuid.NewString()

	r.mu.Lock()
	r.devices[deviceID] = Device{
		Secret:    secret,
		GatewayID: gatewayID,
		Status:    "active",
	}
	r.mu.Unlock()

	return deviceID, secret
}

// RegisterGateway stores or replaces a gateway secret.
func (r *Registry) RegisterGateway(gatewayID, secret string) {
	r.mu.Lock()
	r.gateways[gatewayID] = secret
	r.mu.Unlock()
}

// ValidateGateway checks a gateway's credentials.
func (r *Registry) ValidateGateway(gatewayID, secret string) bool {
	if gatewayID == "" || secret == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gateways[gatewayID] == secret
}

// KnownGateway reports whether a gateway has registered credentials.
func (r *Registry) KnownGateway(gatewayID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.gateways[gatewayID]
	return ok
}
