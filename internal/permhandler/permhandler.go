// Package permhandler binds running workload instances to unforgeable
// secrets and the per-functional-service permissions granted to them. The
// whole state is in-memory; functional sub-servers query it by secret.
package permhandler

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
	"github.com/aosedge/aos-core-iam/pkg/log"
)

// InstanceIdent is the unique identity of a running workload instance.
type InstanceIdent struct {
	ServiceID string `json:"serviceId"`
	SubjectID string `json:"subjectId"`
	Instance  uint64 `json:"instance"`
}

// PermKeyValue is a single permission entry of a functional service.
type PermKeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type instancePermissions struct {
	secret string
	ident  InstanceIdent
	perms  map[string][]PermKeyValue
}

// PermHandler keeps the bounded live set of instance permissions. All
// operations are mutually exclusive under a single lock.
type PermHandler struct {
	mu sync.Mutex

	instances    []instancePermissions
	maxInstances int
	log          *log.PrefixLogger
}

// New creates a handler bounded to maxInstances live registrations.
func New(maxInstances int, logger *log.PrefixLogger) *PermHandler {
	return &PermHandler{maxInstances: maxInstances, log: logger}
}

// RegisterInstance assigns a secret to the instance and stores its
// permissions. Registering an already-known ident returns the existing
// secret unchanged; the stored permissions stay as first registered.
func (h *PermHandler) RegisterInstance(
	ident InstanceIdent, perms map[string][]PermKeyValue,
) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Debugf("Register instance: ident = %v", ident)

	if existing, found := h.findByIdent(ident); found {
		return existing.secret, nil
	}

	if len(h.instances) >= h.maxInstances {
		return "", fmt.Errorf("%w: instance table is full", iamerrors.ErrNoMemory)
	}

	h.instances = append(h.instances, instancePermissions{
		secret: h.generateSecret(),
		ident:  ident,
		perms:  perms,
	})

	return h.instances[len(h.instances)-1].secret, nil
}

// UnregisterInstance removes the instance registration.
func (h *PermHandler) UnregisterInstance(ident InstanceIdent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Debugf("Unregister instance: ident = %v", ident)

	for i, instance := range h.instances {
		if instance.ident == ident {
			h.instances = append(h.instances[:i], h.instances[i+1:]...)

			return nil
		}
	}

	h.log.Warnf("Unregister not registered instance: ident = %v", ident)

	return fmt.Errorf("%w: instance not registered", iamerrors.ErrNotFound)
}

// GetPermissions resolves a secret and returns the instance identity
// together with a copy of its permissions for the requested functional
// service.
func (h *PermHandler) GetPermissions(
	secret, funcServerID string,
) (InstanceIdent, []PermKeyValue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Debugf("Get permissions: funcServerID = %s", funcServerID)

	instance, found := lo.Find(h.instances, func(item instancePermissions) bool {
		return item.secret == secret
	})
	if !found {
		return InstanceIdent{}, nil, fmt.Errorf("%w: unknown secret", iamerrors.ErrNotFound)
	}

	perms, ok := instance.perms[funcServerID]
	if !ok {
		return InstanceIdent{}, nil, fmt.Errorf(
			"%w: no permissions for functional service %s", iamerrors.ErrNotFound, funcServerID)
	}

	return instance.ident, append([]PermKeyValue(nil), perms...), nil
}

func (h *PermHandler) findByIdent(ident InstanceIdent) (instancePermissions, bool) {
	return lo.Find(h.instances, func(item instancePermissions) bool {
		return item.ident == ident
	})
}

// generateSecret returns a UUID secret unique across the live set.
func (h *PermHandler) generateSecret() string {
	for {
		secret := uuid.NewString()

		if !lo.ContainsBy(h.instances, func(item instancePermissions) bool { return item.secret == secret }) {
			return secret
		}
	}
}
