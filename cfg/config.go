// Copyright 2024 The Blockfs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfg defines the mount-time configuration surface: device
// path, cache sizing, and logging, sourced from flags, a YAML config
// file, and BLOCKFS_-prefixed environment variables via viper.
package cfg

import (
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved mount configuration.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	RootDir RootDirConfig `yaml:"root-dir"`
}

// DeviceConfig describes the backing block device.
type DeviceConfig struct {
	Path    string `yaml:"path"`
	Sectors uint32 `yaml:"sectors"`
}

// CacheConfig sizes the buffer cache.
type CacheConfig struct {
	Frames            int           `yaml:"frames"`
	WriteBackInterval time.Duration `yaml:"write-back-interval"`
	ReadAhead         bool          `yaml:"read-ahead"`
}

// LogConfig controls where and how log records are written.
type LogConfig struct {
	Level    LogLevel `yaml:"level"`
	Format   string   `yaml:"format"`
	FilePath string   `yaml:"file-path"`
}

// MetricsConfig controls the optional Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// RootDirConfig sizes the root directory created by "blockfsctl format".
type RootDirConfig struct {
	Capacity int `yaml:"capacity"`
}

// BindFlags registers every flag this package reads, binding each to
// its viper key so Unmarshal below picks up flag, config-file, and
// BLOCKFS_-prefixed environment overrides uniformly.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.String("device.path", "", "Path to the backing device or disk image.")
	if err := viper.BindPFlag("device.path", flagSet.Lookup("device.path")); err != nil {
		return err
	}

	flagSet.Uint32("device.sectors", 0, "Sector count for a freshly created disk image.")
	if err := viper.BindPFlag("device.sectors", flagSet.Lookup("device.sectors")); err != nil {
		return err
	}

	flagSet.Int("cache.frames", 0, "Buffer cache frame count (0 uses the built-in default).")
	if err := viper.BindPFlag("cache.frames", flagSet.Lookup("cache.frames")); err != nil {
		return err
	}

	flagSet.Duration("cache.write-back-interval", 0, "Write-back worker interval (0 uses the built-in default).")
	if err := viper.BindPFlag("cache.write-back-interval", flagSet.Lookup("cache.write-back-interval")); err != nil {
		return err
	}

	flagSet.Bool("cache.read-ahead", true, "Read-ahead setting; the read-ahead worker runs regardless of this value.")
	if err := viper.BindPFlag("cache.read-ahead", flagSet.Lookup("cache.read-ahead")); err != nil {
		return err
	}

	flagSet.String("log.level", "info", "Log level: debug, info, warn, error.")
	if err := viper.BindPFlag("log.level", flagSet.Lookup("log.level")); err != nil {
		return err
	}

	flagSet.String("log.format", "text", "Log format: text or json.")
	if err := viper.BindPFlag("log.format", flagSet.Lookup("log.format")); err != nil {
		return err
	}

	flagSet.String("log.file-path", "", "Route logs through a rotating file sink instead of stderr.")
	if err := viper.BindPFlag("log.file-path", flagSet.Lookup("log.file-path")); err != nil {
		return err
	}

	flagSet.Bool("metrics.enabled", false, "Serve a Prometheus /metrics endpoint.")
	if err := viper.BindPFlag("metrics.enabled", flagSet.Lookup("metrics.enabled")); err != nil {
		return err
	}

	flagSet.String("metrics.addr", ":9090", "Address the /metrics endpoint listens on.")
	if err := viper.BindPFlag("metrics.addr", flagSet.Lookup("metrics.addr")); err != nil {
		return err
	}

	flagSet.Int("root-dir.capacity", 16, "Directory-entry slots reserved for the root directory at format time.")
	return viper.BindPFlag("root-dir.capacity", flagSet.Lookup("root-dir.capacity"))
}

// Unmarshal decodes viper's current state (flags, config file, env) into
// a Config, applying the package's decode hooks.
func Unmarshal() (Config, error) {
	var c Config
	err := viper.Unmarshal(&c, viper.DecodeHook(DecodeHook()), func(dc *mapstructure.DecoderConfig) {
		// Match keys against the yaml tags, so hyphenated keys such as
		// "cache.write-back-interval" and "root-dir.capacity" decode.
		dc.TagName = "yaml"
	})
	return c, err
}
