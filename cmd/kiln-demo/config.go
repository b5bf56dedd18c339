package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kilnworks/kiln"
	"github.com/kilnworks/kiln/internal/logutil"
)

// demoConfig is the kiln-demo configuration file surface.
type demoConfig struct {
	Logging  logutil.Config `yaml:"logging"`
	Registry registryConfig `yaml:"registry"`
	Run      runConfig      `yaml:"run"`
}

type registryConfig struct {
	// LockPolicy is "strict" (default) or "lenient".
	LockPolicy string `yaml:"lock_policy"`
	// Breaker enables the per-key construction circuit breaker.
	Breaker bool `yaml:"breaker"`
}

type runConfig struct {
	// Root is the component key the demo builds.
	Root string `yaml:"root"`
	// StorePath labels the demo store component.
	StorePath string `yaml:"store_path"`
	// DisableCycles turns construction-cycle resolution off, so the
	// indexer/searcher pair fails instead of resolving.
	DisableCycles bool `yaml:"disable_cycles"`
	// Snapshot prints the registry's JSON state after the build.
	Snapshot bool `yaml:"snapshot"`
}

func defaultDemoConfig() *demoConfig {
	return &demoConfig{
		Logging:  logutil.Config{Level: "debug", Format: "console"},
		Registry: registryConfig{LockPolicy: "strict"},
		Run:      runConfig{Root: "server", StorePath: "demo.store", Snapshot: true},
	}
}

// loadConfig reads the config at path, or from the default locations when
// path is empty. A missing file in the default locations is not an error;
// the defaults apply.
func loadConfig(path string) (*demoConfig, error) {
	cfg := defaultDemoConfig()

	explicit := path != ""
	if !explicit {
		path = findConfigFile()
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig performs semantic validation beyond YAML parsing.
func validateConfig(cfg *demoConfig) error {
	switch cfg.Registry.LockPolicy {
	case "", "strict", "lenient":
	default:
		return fmt.Errorf("registry.lock_policy must be strict or lenient, got %q", cfg.Registry.LockPolicy)
	}

	if cfg.Run.Root == "" {
		return fmt.Errorf("run.root is required")
	}

	return nil
}

// registryOptions maps the config onto kiln registry options.
func (c *demoConfig) registryOptions() []kiln.Option {
	var opts []kiln.Option
	if c.Registry.LockPolicy == "lenient" {
		opts = append(opts, kiln.WithLockPolicy(kiln.LockLenient))
	}
	if c.Registry.Breaker {
		opts = append(opts, kiln.WithConstructionBreaker(kiln.BreakerPolicy{}))
	}

	return opts
}

// findConfigFile searches for the config file in default locations.
func findConfigFile() string {
	// Check current directory
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	// Check ~/.config/kiln-demo/
	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		p := filepath.Join(home, ".config", "kiln-demo", defaultConfigFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return defaultConfigFile
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate the configuration file without running the demo.
Checks YAML syntax, the lock policy, and the root component key.`,
	RunE: runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigValidate(_ *cobra.Command, _ []string) error {
	path := cfgFile
	if path == "" {
		path = findConfigFile()
	}

	if _, err := loadConfig(path); err != nil {
		fmt.Printf("✗ Config validation failed: %s\n", err)
		return err
	}

	fmt.Printf("✓ %s is valid\n", path)

	return nil
}
