// Package provisionmanager orchestrates initial provisioning, disk
// encryption hand-off and deprovisioning across all registered certificate
// types.
package provisionmanager

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/aosedge/aos-core-iam/internal/certhandler"
	"github.com/aosedge/aos-core-iam/pkg/log"
)

// Callback hooks platform-specific provisioning steps into the manager.
type Callback interface {
	OnStartProvisioning(password string) error
	OnFinishProvisioning(password string) error
	OnDeprovision(password string) error
	OnEncryptDisk(password string) error
}

// CertHandler is the certificate API the manager drives.
type CertHandler interface {
	GetCertTypes() []string
	GetModuleConfig(certType string) (certhandler.ModuleConfig, error)
	SetOwner(certType, password string) error
	Clear(certType string) error
	CreateKey(certType, subject, password string) ([]byte, error)
	ApplyCertificate(certType string, pemChain []byte) (certhandler.CertInfo, error)
	GetCertificate(certType string, issuer, serial []byte) (certhandler.CertInfo, error)
	CreateSelfSignedCert(certType, password string) error
	SubscribeCertChanged(certType string, receiver certhandler.CertReceiver) error
	UnsubscribeCertChanged(receiver certhandler.CertReceiver) error
}

// ProvisionManager drives provisioning over the cert handler and the
// platform callback. Each step is atomic on its own; a failure aborts the
// remaining steps and partial state is recovered by the next run.
type ProvisionManager struct {
	callback    Callback
	certHandler CertHandler
	log         *log.PrefixLogger
}

// New creates a provision manager.
func New(callback Callback, certHandler CertHandler, logger *log.PrefixLogger) *ProvisionManager {
	return &ProvisionManager{
		callback:    callback,
		certHandler: certHandler,
		log:         logger,
	}
}

// StartProvisioning clears and re-owns every registered cert type, creates
// self-signed certificates where configured and hands off to disk
// encryption.
func (p *ProvisionManager) StartProvisioning(password string) error {
	p.log.Debug("Start provisioning")

	if err := p.callback.OnStartProvisioning(password); err != nil {
		return fmt.Errorf("start provisioning callback: %w", err)
	}

	certTypes := p.certHandler.GetCertTypes()

	for _, certType := range certTypes {
		p.log.Debugf("Clear cert storage: type = %s", certType)

		if err := p.certHandler.Clear(certType); err != nil {
			return err
		}
	}

	for _, certType := range certTypes {
		p.log.Debugf("Set owner: type = %s", certType)

		if err := p.certHandler.SetOwner(certType, password); err != nil {
			return err
		}

		config, err := p.certHandler.GetModuleConfig(certType)
		if err != nil {
			return err
		}

		if config.IsSelfSigned {
			p.log.Debugf("Create self signed cert: type = %s", certType)

			if err := p.certHandler.CreateSelfSignedCert(certType, password); err != nil {
				return err
			}
		}
	}

	if err := p.callback.OnEncryptDisk(password); err != nil {
		return fmt.Errorf("encrypt disk callback: %w", err)
	}

	return nil
}

// FinishProvisioning delegates to the platform callback.
func (p *ProvisionManager) FinishProvisioning(password string) error {
	p.log.Debug("Finish provisioning")

	if err := p.callback.OnFinishProvisioning(password); err != nil {
		return fmt.Errorf("finish provisioning callback: %w", err)
	}

	return nil
}

// Deprovision delegates to the platform callback.
func (p *ProvisionManager) Deprovision(password string) error {
	p.log.Debug("Deprovision")

	if err := p.callback.OnDeprovision(password); err != nil {
		return fmt.Errorf("deprovision callback: %w", err)
	}

	return nil
}

// GetCertTypes returns the externally issuable cert types: every registered
// type except the self-signed bootstrap ones.
func (p *ProvisionManager) GetCertTypes() ([]string, error) {
	p.log.Debug("Get cert types")

	var resultErr error

	certTypes := lo.Filter(p.certHandler.GetCertTypes(), func(certType string, _ int) bool {
		config, err := p.certHandler.GetModuleConfig(certType)
		if err != nil {
			resultErr = err

			return false
		}

		return !config.IsSelfSigned
	})

	if resultErr != nil {
		return nil, resultErr
	}

	return certTypes, nil
}

// CreateKey delegates to the cert handler.
func (p *ProvisionManager) CreateKey(certType, subject, password string) ([]byte, error) {
	p.log.Debugf("Create key: type = %s", certType)

	return p.certHandler.CreateKey(certType, subject, password)
}

// ApplyCert delegates to the cert handler.
func (p *ProvisionManager) ApplyCert(certType string, pemChain []byte) (certhandler.CertInfo, error) {
	p.log.Debugf("Apply cert: type = %s", certType)

	return p.certHandler.ApplyCertificate(certType, pemChain)
}

// GetCert delegates to the cert handler.
func (p *ProvisionManager) GetCert(certType string, issuer, serial []byte) (certhandler.CertInfo, error) {
	p.log.Debugf("Get cert: type = %s", certType)

	return p.certHandler.GetCertificate(certType, issuer, serial)
}

// SubscribeCertChanged delegates to the cert handler.
func (p *ProvisionManager) SubscribeCertChanged(certType string, receiver certhandler.CertReceiver) error {
	p.log.Debugf("Subscribe cert receiver: type = %s", certType)

	return p.certHandler.SubscribeCertChanged(certType, receiver)
}

// UnsubscribeCertChanged delegates to the cert handler.
func (p *ProvisionManager) UnsubscribeCertChanged(receiver certhandler.CertReceiver) error {
	p.log.Debug("Unsubscribe cert receiver")

	return p.certHandler.UnsubscribeCertChanged(receiver)
}
