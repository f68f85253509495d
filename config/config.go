// Package config loads the on-disk key material paths ctrfs needs to set
// up a crypto3ds.Engine: the ARM9 bootROM dump, an OTP dump, a
// movable.sed, and a seeddb.bin, plus whether to use the devunit key
// family.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/connesc/ctrfs/crypto3ds"
)

// Config is the on-disk shape of a ctrfs key-material configuration file.
type Config struct {
	Boot9Path      string `yaml:"boot9_path"`
	OTPPath        string `yaml:"otp_path"`
	SeedDBPath     string `yaml:"seeddb_path"`
	MovableSedPath string `yaml:"movable_sed_path"`
	Dev            bool   `yaml:"dev"`
}

// Load reads and validates a Config from path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports whether Boot9Path is set and readable; the other paths
// are optional (a caller may set up an engine with only boot9, deferring
// OTP/movable.sed/seeddb to later calls).
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Boot9Path) == "" {
		return fmt.Errorf("config.boot9_path is required")
	}
	if err := validateReadableFile(c.Boot9Path, "config.boot9_path"); err != nil {
		return err
	}
	for _, f := range []struct {
		path  string
		field string
	}{
		{c.OTPPath, "config.otp_path"},
		{c.SeedDBPath, "config.seeddb_path"},
		{c.MovableSedPath, "config.movable_sed_path"},
	} {
		if strings.TrimSpace(f.path) == "" {
			continue
		}
		if err := validateReadableFile(f.path, f.field); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) resolvePaths(configPath string) {
	dir := filepath.Dir(configPath)
	c.Boot9Path = resolvePath(dir, c.Boot9Path)
	c.OTPPath = resolvePath(dir, c.OTPPath)
	c.SeedDBPath = resolvePath(dir, c.SeedDBPath)
	c.MovableSedPath = resolvePath(dir, c.MovableSedPath)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}

// SetupEngine builds a crypto3ds.Engine and loads every key source this
// config names, in the order the engine needs them: boot9 first, then OTP
// (which depends on boot9's fixed OTP key), then movable.sed and seeddb.
func (c *Config) SetupEngine(opts ...crypto3ds.Option) (*crypto3ds.Engine, error) {
	if c.Dev {
		opts = append(opts, crypto3ds.WithDevKeys())
	}
	eng := crypto3ds.NewEngine(opts...)

	b9, err := os.ReadFile(c.Boot9Path)
	if err != nil {
		return nil, fmt.Errorf("read boot9: %w", err)
	}
	if err := eng.SetupFromBoot9(b9); err != nil {
		return nil, err
	}

	if c.OTPPath != "" {
		otp, err := os.ReadFile(c.OTPPath)
		if err != nil {
			return nil, fmt.Errorf("read otp: %w", err)
		}
		if err := eng.SetupFromOTP(otp); err != nil {
			return nil, err
		}
	}

	if c.MovableSedPath != "" {
		sed, err := os.ReadFile(c.MovableSedPath)
		if err != nil {
			return nil, fmt.Errorf("read movable.sed: %w", err)
		}
		if err := eng.SetupSDKeyFromMovableSed(sed); err != nil {
			return nil, err
		}
	}

	if c.SeedDBPath != "" {
		if err := eng.SeedDB().Load(c.SeedDBPath); err != nil {
			return nil, fmt.Errorf("load seeddb: %w", err)
		}
	}

	return eng, nil
}
