package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aosedge/aos-core-iam/internal/certhandler"
	"github.com/aosedge/aos-core-iam/internal/certhandler/pkcs11module"
	"github.com/aosedge/aos-core-iam/internal/config"
	"github.com/aosedge/aos-core-iam/internal/provisionmanager"
	"github.com/aosedge/aos-core-iam/internal/store"
	"github.com/aosedge/aos-core-iam/pkg/log"
)

const defaultConfigFile = "/etc/aos/iam.yaml"

type runtime struct {
	provisionMgr *provisionmanager.ProvisionManager
}

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "aos-iam",
		Short:         "IAM core: certificate lifecycle, provisioning and permissions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", defaultConfigFile, "path to the configuration file")

	rootCmd.AddCommand(
		newProvisionCmd(&configFile),
		newDeprovisionCmd(&configFile),
		newCertTypesCmd(&configFile),
		newCreateKeyCmd(&configFile),
		newApplyCertCmd(&configFile),
		newGetCertCmd(&configFile),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newProvisionCmd(configFile *string) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Clear and re-own all registered cert types, create bootstrap certificates",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withRuntime(*configFile, func(rt *runtime) error {
				if err := rt.provisionMgr.StartProvisioning(password); err != nil {
					return err
				}

				return rt.provisionMgr.FinishProvisioning(password)
			})
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "token owner password")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}

func newDeprovisionCmd(configFile *string) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "deprovision",
		Short: "Run the platform deprovisioning hook",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withRuntime(*configFile, func(rt *runtime) error {
				return rt.provisionMgr.Deprovision(password)
			})
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "token owner password")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}

func newCertTypesCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cert-types",
		Short: "List externally issuable cert types",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withRuntime(*configFile, func(rt *runtime) error {
				certTypes, err := rt.provisionMgr.GetCertTypes()
				if err != nil {
					return err
				}

				for _, certType := range certTypes {
					fmt.Println(certType)
				}

				return nil
			})
		},
	}
}

func newCreateKeyCmd(configFile *string) *cobra.Command {
	var certType, subject, password string

	cmd := &cobra.Command{
		Use:   "create-key",
		Short: "Generate a key pair and print a PEM CSR",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withRuntime(*configFile, func(rt *runtime) error {
				csr, err := rt.provisionMgr.CreateKey(certType, subject, password)
				if err != nil {
					return err
				}

				fmt.Print(string(csr))

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&certType, "type", "", "cert type")
	cmd.Flags().StringVar(&subject, "subject", "", "CSR subject common name")
	cmd.Flags().StringVar(&password, "password", "", "token owner password")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func newApplyCertCmd(configFile *string) *cobra.Command {
	var certType, certFile string

	cmd := &cobra.Command{
		Use:   "apply-cert",
		Short: "Apply an issued PEM certificate chain",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withRuntime(*configFile, func(rt *runtime) error {
				pemChain, err := os.ReadFile(certFile)
				if err != nil {
					return fmt.Errorf("reading certificate file: %w", err)
				}

				info, err := rt.provisionMgr.ApplyCert(certType, pemChain)
				if err != nil {
					return err
				}

				fmt.Println(info.CertURL)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&certType, "type", "", "cert type")
	cmd.Flags().StringVar(&certFile, "cert", "", "PEM certificate chain file")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("cert")

	return cmd
}

func newGetCertCmd(configFile *string) *cobra.Command {
	var certType string

	cmd := &cobra.Command{
		Use:   "get-cert",
		Short: "Print the stored certificate expiring first",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withRuntime(*configFile, func(rt *runtime) error {
				info, err := rt.provisionMgr.GetCert(certType, nil, nil)
				if err != nil {
					return err
				}

				fmt.Printf("certURL: %s\nkeyURL: %s\nserial: %s\nnotAfter: %s\n",
					info.CertURL, info.KeyURL, hex.EncodeToString(info.Serial), info.NotAfter)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&certType, "type", "", "cert type")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

// withRuntime builds the component stack from the configuration, runs fn and
// tears the stack down again.
func withRuntime(configFile string, fn func(rt *runtime) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger := log.InitLogs()
	log.SetLevel(logger, cfg.LogLevel)

	if err := os.MkdirAll(cfg.WorkingDir, 0o700); err != nil {
		return fmt.Errorf("creating working dir: %w", err)
	}

	db, err := store.New(cfg.StoragePath)
	if err != nil {
		return err
	}

	defer func() { _ = db.Close() }()

	handler := certhandler.NewHandler(log.NewPrefixLogger(logger, "certhandler"))

	for _, moduleCfg := range cfg.CertModules {
		hsm, err := pkcs11module.New(
			moduleCfg.ID, moduleCfg.PKCS11, log.NewPrefixLogger(logger, "pkcs11/"+moduleCfg.ID))
		if err != nil {
			return fmt.Errorf("creating PKCS#11 module %s: %w", moduleCfg.ID, err)
		}

		module, err := certhandler.NewModule(
			moduleCfg.ID, moduleCfg.Module, hsm, db, log.NewPrefixLogger(logger, "certmodule/"+moduleCfg.ID))
		if err != nil {
			return fmt.Errorf("creating cert module %s: %w", moduleCfg.ID, err)
		}

		if err := handler.RegisterModule(module); err != nil {
			return err
		}
	}

	rt := &runtime{
		provisionMgr: provisionmanager.New(
			provisionmanager.NewScriptCallback(cfg.Provisioning, log.NewPrefixLogger(logger, "provisioning")),
			handler,
			log.NewPrefixLogger(logger, "provisionmanager")),
	}

	return fn(rt)
}
