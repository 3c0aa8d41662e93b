// Package config loads the daemon configuration: registered certificate
// modules, storage location, provisioning scripts and logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"

	"github.com/aosedge/aos-core-iam/internal/certhandler"
	"github.com/aosedge/aos-core-iam/internal/certhandler/pkcs11module"
	"github.com/aosedge/aos-core-iam/internal/iamerrors"
	"github.com/aosedge/aos-core-iam/internal/provisionmanager"
)

const (
	// DefaultWorkingDir holds the store and generated PIN files.
	DefaultWorkingDir = "/var/lib/aos/iam"
	// DefaultStorageFile is the store file name inside the working dir.
	DefaultStorageFile = "iam.db"
	// DefaultLogLevel is applied when the config names none.
	DefaultLogLevel = "info"
	// DefaultMaxRegisteredInstances bounds the permission table.
	DefaultMaxRegisteredInstances = 64
	// DefaultMaxCertificates is the per-module certificate bound.
	DefaultMaxCertificates = 1
)

// CertModuleConfig registers one certificate type with its policy and the
// PKCS#11 binding parameters.
type CertModuleConfig struct {
	// ID is the cert type (e.g. "iam", "sm", "diskenc").
	ID string `json:"id"`
	// Module is the lifecycle policy.
	Module certhandler.ModuleConfig `json:"module"`
	// PKCS11 locates and unlocks the token.
	PKCS11 pkcs11module.Config `json:"pkcs11"`
}

// Config is the daemon configuration.
type Config struct {
	WorkingDir             string                                `json:"workingDir,omitempty"`
	StoragePath            string                                `json:"storagePath,omitempty"`
	LogLevel               string                                `json:"logLevel,omitempty"`
	DefaultPKCS11Library   string                                `json:"defaultPkcs11Library,omitempty"`
	MaxRegisteredInstances int                                   `json:"maxRegisteredInstances,omitempty"`
	CertModules            []CertModuleConfig                    `json:"certModules"`
	Provisioning           provisionmanager.ScriptCallbackConfig `json:"provisioning,omitempty"`
}

// Load reads and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}

	config := &Config{}

	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyDefaults() {
	if c.WorkingDir == "" {
		c.WorkingDir = DefaultWorkingDir
	}

	if c.StoragePath == "" {
		c.StoragePath = filepath.Join(c.WorkingDir, DefaultStorageFile)
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.MaxRegisteredInstances == 0 {
		c.MaxRegisteredInstances = DefaultMaxRegisteredInstances
	}

	for i := range c.CertModules {
		module := &c.CertModules[i]

		if module.Module.MaxCertificates == 0 {
			module.Module.MaxCertificates = DefaultMaxCertificates
		}

		if module.Module.KeyType == "" {
			module.Module.KeyType = certhandler.KeyTypeRSA
		}

		if module.PKCS11.Library == "" {
			module.PKCS11.Library = c.DefaultPKCS11Library
		}

		// The pending-key list shares the certificate bound.
		module.PKCS11.MaxCertificates = module.Module.MaxCertificates
	}
}

func (c *Config) validate() error {
	seen := map[string]bool{}

	for _, module := range c.CertModules {
		if module.ID == "" {
			return fmt.Errorf("%w: cert module without id", iamerrors.ErrInvalidArgument)
		}

		if seen[module.ID] {
			return fmt.Errorf("%w: duplicated cert module %s", iamerrors.ErrInvalidArgument, module.ID)
		}

		seen[module.ID] = true

		if module.PKCS11.Library == "" {
			return fmt.Errorf("%w: cert module %s has no PKCS#11 library", iamerrors.ErrInvalidArgument, module.ID)
		}
	}

	return nil
}
