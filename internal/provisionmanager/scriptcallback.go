package provisionmanager

import (
	"fmt"
	"os/exec"

	"github.com/aosedge/aos-core-iam/pkg/log"
)

// ScriptCallbackConfig names the shell commands executed on each
// provisioning step. Empty commands are skipped. The provisioning password
// is passed in the PROVISIONING_PASSWORD environment variable, not on the
// command line.
type ScriptCallbackConfig struct {
	StartProvisioningCmd  string `json:"startProvisioningCmd,omitempty"`
	FinishProvisioningCmd string `json:"finishProvisioningCmd,omitempty"`
	DeprovisionCmd        string `json:"deprovisionCmd,omitempty"`
	EncryptDiskCmd        string `json:"diskEncryptionCmd,omitempty"`
}

// ScriptCallback implements Callback by executing configured platform
// scripts.
type ScriptCallback struct {
	config ScriptCallbackConfig
	log    *log.PrefixLogger
}

var _ Callback = (*ScriptCallback)(nil)

// NewScriptCallback creates a callback around the configured commands.
func NewScriptCallback(config ScriptCallbackConfig, logger *log.PrefixLogger) *ScriptCallback {
	return &ScriptCallback{config: config, log: logger}
}

// OnStartProvisioning runs the start-provisioning command.
func (c *ScriptCallback) OnStartProvisioning(password string) error {
	return c.runCmd(c.config.StartProvisioningCmd, password)
}

// OnFinishProvisioning runs the finish-provisioning command.
func (c *ScriptCallback) OnFinishProvisioning(password string) error {
	return c.runCmd(c.config.FinishProvisioningCmd, password)
}

// OnDeprovision runs the deprovision command.
func (c *ScriptCallback) OnDeprovision(password string) error {
	return c.runCmd(c.config.DeprovisionCmd, password)
}

// OnEncryptDisk runs the disk-encryption command.
func (c *ScriptCallback) OnEncryptDisk(password string) error {
	return c.runCmd(c.config.EncryptDiskCmd, password)
}

func (c *ScriptCallback) runCmd(command, password string) error {
	if command == "" {
		return nil
	}

	c.log.Debugf("Execute: %s", command)

	cmd := exec.Command("sh", "-c", command)
	cmd.Env = append(cmd.Environ(), "PROVISIONING_PASSWORD="+password)

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("executing %q: %w, output: %s", command, err, output)
	}

	return nil
}
