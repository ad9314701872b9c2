// Package config loads machine and boot configuration with Viper.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// BootConfig holds everything the boot path needs to assemble a
// machine.
type BootConfig struct {
	RAMBytes    int    `mapstructure:"ram_bytes"`
	Harts       int    `mapstructure:"harts"`
	DiskImage   string `mapstructure:"disk_image"`
	ConsoleEcho bool   `mapstructure:"console_echo"`
	LazySbrk    bool   `mapstructure:"lazy_sbrk"`
}

// Load reads riscvos.yaml (if present) and environment overrides
// with the RISCVOS_ prefix, falling back to defaults. A non-empty
// path names the config file explicitly instead of searching.
func Load(path string) (*BootConfig, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("riscvos")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.riscvos")
	}

	v.SetDefault("ram_bytes", types.DefaultRAMBytes)
	v.SetDefault("harts", 1)
	v.SetDefault("disk_image", "fs.img")
	v.SetDefault("console_echo", true)
	v.SetDefault("lazy_sbrk", false)

	v.SetEnvPrefix("RISCVOS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg BootConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.Harts < 1 || cfg.Harts > types.MaxHarts {
		return nil, fmt.Errorf("harts must be in [1,%d], got %d", types.MaxHarts, cfg.Harts)
	}
	return &cfg, nil
}
