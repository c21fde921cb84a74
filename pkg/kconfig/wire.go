package kconfig

import (
	"fmt"
	"time"

	"github.com/kiwi-run/kiwi/pkg/capability"
	"github.com/kiwi-run/kiwi/pkg/environ"
	"github.com/kiwi-run/kiwi/pkg/integrity"
	"github.com/kiwi-run/kiwi/pkg/kernel"
)

// ToKernelConfig projects the on-disk document onto pkg/kernel.Config.
// Call after Load, which has already run SetDefaults/Validate.
func (c *Config) ToKernelConfig() (kernel.Config, error) {
	ttl, err := time.ParseDuration(c.DefaultTTL)
	if err != nil {
		return kernel.Config{}, fmt.Errorf("default_ttl: %w", err)
	}

	return kernel.Config{
		ProjectDir:   c.ProjectDir,
		UserSpace:    c.UserSpace,
		PackageRoot:  c.PackageRoot,
		SessionsDir:  c.SessionsDir,
		LockfilePath: c.LockfilePath,
		VerifyMode:   integrity.Mode(c.VerifyMode),
		EnvAllowList: environ.AllowList(c.EnvAllowList),
		ShellAllow:   capability.AllowedShellCommands(c.ShellAllow),
		DefaultTTL:   ttl,
	}, nil
}
