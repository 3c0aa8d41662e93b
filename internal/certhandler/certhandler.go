package certhandler

import (
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
	"github.com/aosedge/aos-core-iam/pkg/log"
)

// Handler is the registry of certificate modules keyed by cert type. It
// dispatches the public certificate API to the registered module and fans
// applied certificates out to subscribers.
type Handler struct {
	mu sync.Mutex

	modules     []*Module
	subscribers map[string][]CertReceiver
	log         *log.PrefixLogger
}

// NewHandler creates an empty registry.
func NewHandler(logger *log.PrefixLogger) *Handler {
	return &Handler{
		subscribers: map[string][]CertReceiver{},
		log:         logger,
	}
}

// RegisterModule adds a module to the registry. Modules are registered at
// startup and never re-registered.
func (h *Handler) RegisterModule(module *Module) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Debugf("Register module: type = %s", module.CertType())

	if _, found := h.findModule(module.CertType()); found {
		return fmt.Errorf("%w: module %s", iamerrors.ErrAlreadyExist, module.CertType())
	}

	h.modules = append(h.modules, module)

	return nil
}

// GetCertTypes returns all registered cert types in registration order.
func (h *Handler) GetCertTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return lo.Map(h.modules, func(module *Module, _ int) string { return module.CertType() })
}

// GetModuleConfig returns the policy of the module registered for certType.
func (h *Handler) GetModuleConfig(certType string) (ModuleConfig, error) {
	module, err := h.getModule(certType)
	if err != nil {
		return ModuleConfig{}, err
	}

	return module.Config(), nil
}

// SetOwner takes ownership of the module's HSM.
func (h *Handler) SetOwner(certType, password string) error {
	h.log.Debugf("Set owner: type = %s", certType)

	module, err := h.getModule(certType)
	if err != nil {
		return err
	}

	return module.SetOwner(password)
}

// Clear wipes the module's HSM and stored records.
func (h *Handler) Clear(certType string) error {
	h.log.Debugf("Clear: type = %s", certType)

	module, err := h.getModule(certType)
	if err != nil {
		return err
	}

	return module.Clear()
}

// CreateKey generates a key pair for certType and returns a PEM CSR for
// subject.
func (h *Handler) CreateKey(certType, subject, password string) ([]byte, error) {
	h.log.Debugf("Create key: type = %s, subject = %s", certType, subject)

	module, err := h.getModule(certType)
	if err != nil {
		return nil, err
	}

	key, err := module.CreateKey(password)
	if err != nil {
		return nil, err
	}

	return module.CreateCSR(subject, key)
}

// ApplyCertificate applies a PEM chain to the module and notifies
// subscribers for certType with the new record. Subscriber failures don't
// propagate; delivery happens on the applying goroutine with no module lock
// held.
func (h *Handler) ApplyCertificate(certType string, pemChain []byte) (CertInfo, error) {
	h.log.Debugf("Apply certificate: type = %s", certType)

	module, err := h.getModule(certType)
	if err != nil {
		return CertInfo{}, err
	}

	info, err := module.ApplyCert(pemChain)
	if err != nil {
		return CertInfo{}, err
	}

	h.notifyCertChanged(certType, info)

	return info, nil
}

// GetCertificate looks up a stored credential for certType.
func (h *Handler) GetCertificate(certType string, issuer, serial []byte) (CertInfo, error) {
	module, err := h.getModule(certType)
	if err != nil {
		return CertInfo{}, err
	}

	return module.GetCertificate(issuer, serial)
}

// CreateSelfSignedCert creates and applies a self-signed certificate for
// certType, notifying subscribers like any other apply.
func (h *Handler) CreateSelfSignedCert(certType, password string) error {
	h.log.Debugf("Create self signed cert: type = %s", certType)

	module, err := h.getModule(certType)
	if err != nil {
		return err
	}

	info, err := module.CreateSelfSignedCert(password)
	if err != nil {
		return err
	}

	h.notifyCertChanged(certType, info)

	return nil
}

// SubscribeCertChanged registers a receiver for applied certificates of
// certType.
func (h *Handler) SubscribeCertChanged(certType string, receiver CertReceiver) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Debugf("Subscribe cert receiver: type = %s", certType)

	if lo.Contains(h.subscribers[certType], receiver) {
		return fmt.Errorf("%w: receiver already subscribed", iamerrors.ErrAlreadyExist)
	}

	h.subscribers[certType] = append(h.subscribers[certType], receiver)

	return nil
}

// UnsubscribeCertChanged removes the receiver from all cert types.
func (h *Handler) UnsubscribeCertChanged(receiver CertReceiver) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Debug("Unsubscribe cert receiver")

	found := false

	for certType, receivers := range h.subscribers {
		filtered := lo.Without(receivers, receiver)
		if len(filtered) != len(receivers) {
			h.subscribers[certType] = filtered
			found = true
		}
	}

	if !found {
		return fmt.Errorf("%w: receiver not subscribed", iamerrors.ErrNotFound)
	}

	return nil
}

func (h *Handler) getModule(certType string) (*Module, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	module, found := h.findModule(certType)
	if !found {
		return nil, fmt.Errorf("%w: module %s", iamerrors.ErrNotFound, certType)
	}

	return module, nil
}

func (h *Handler) findModule(certType string) (*Module, bool) {
	return lo.Find(h.modules, func(module *Module) bool { return module.CertType() == certType })
}

// notifyCertChanged delivers the applied record to subscribers. A panicking
// receiver is logged and skipped so one listener can't break the apply path.
func (h *Handler) notifyCertChanged(certType string, info CertInfo) {
	h.mu.Lock()
	receivers := append([]CertReceiver(nil), h.subscribers[certType]...)
	h.mu.Unlock()

	for _, receiver := range receivers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.log.Errorf("Cert changed listener failed: type = %s, error = %v", certType, r)
				}
			}()

			receiver.OnCertChanged(info)
		}()
	}
}
