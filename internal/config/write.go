// ABOUTME: Writing configuration files and platform-derived defaults
// ABOUTME: Used by `tether init` to produce a starter config in YAML or TOML

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultDeviceType guesses the device class from the platform.
func DefaultDeviceType() string {
	switch runtime.GOOS {
	case "android", "ios":
		return "mobile"
	default:
		return "desktop"
	}
}

// Save writes the config to path, choosing TOML or YAML by extension.
// Existing files are not overwritten.
func (c *Config) Save(path string) error {
	c.syncRawDurations()

	var buf bytes.Buffer
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("encoding toml: %w", err)
		}
	} else {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (c *Config) syncRawDurations() {
	c.Pairing.TokenTTLRaw = c.Pairing.TokenTTL.String()
	c.Pairing.SweepIntervalRaw = c.Pairing.SweepInterval.String()
	c.Auth.SessionTTLRaw = c.Auth.SessionTTL.String()
	c.Discovery.IntervalRaw = c.Discovery.Interval.String()
}
