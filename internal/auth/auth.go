// Package auth implements per-device shared-secret authentication with
// auto-provisioning for new sensors.
package auth

import (
	"sync"

	"go.uber.org/zap"
)

// ProvisioningSecret is the well-known bootstrap value a freshly deployed
// sensor signs with before it has been assigned a secret of its own.
const ProvisioningSecret = "device-secret"

type Registry struct {
	mu      sync.Mutex
	devices map[string]string
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		devices: make(map[string]string),
		logger:  logger,
	}
}

// Register stores or replaces a device secret.
func (r *Registry) Register(deviceID, secret string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[deviceID] = secret
}

// Authenticate checks a device signature. Unknown devices presenting the
// provisioning secret are registered on the spot; anything else is rejected.
func (r *Registry) Authenticate(deviceID, signature string) bool {
	if deviceID == "" || signature == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	secret, known := r.devices[deviceID]
	if known {
		return secret == signature
	}
	if signature == ProvisioningSecret {
		r.devices[deviceID] = signature
		r.logger.Info("auto-provisioned device", zap.String("device_id", deviceID))
		return true
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
