// Package registry provides the set of known devices and the per-device
// organization lookup used while normalizing payloads.
package registry

import (
	"context"
	"sync"

	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

// Registry returns the devices that should currently be subscribed to.
type Registry interface {
	Devices(ctx context.Context) ([]types.Device, error)
}

// Dedupe drops devices with an empty id and keeps the first entry per id.
func Dedupe(devices []types.Device) []types.Device {
	seen := make(map[string]struct{}, len(devices))
	out := make([]types.Device, 0, len(devices))
	for _, d := range devices {
		if d.ID == "" {
			continue
		}
		if _, ok := seen[d.ID]; ok {
			continue
		}
		seen[d.ID] = struct{}{}
		out = append(out, d)
	}
	return out
}

// Snapshot is an in-memory organization index built from the last registry
// read. It is safe for concurrent use.
type Snapshot struct {
	mu   sync.RWMutex
	orgs map[string]string
}

func NewSnapshot() *Snapshot {
	return &Snapshot{orgs: make(map[string]string)}
}

// Replace swaps the index for the given devices.
func (s *Snapshot) Replace(devices []types.Device) {
	orgs := make(map[string]string, len(devices))
	for _, d := range devices {
		if d.Organization != "" {
			orgs[d.ID] = d.Organization
		}
	}
	s.mu.Lock()
	s.orgs = orgs
	s.mu.Unlock()
}

// Organization implements normalize.OrganizationLookup.
func (s *Snapshot) Organization(_ context.Context, deviceID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[deviceID]
	return org, ok, nil
}
