// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package config loads bagger's settings from an optional config.yaml and
// BAGGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cardinalhq/bagger/internal/docsource"
	"github.com/cardinalhq/bagger/internal/ingest"
	"github.com/cardinalhq/bagger/internal/pgstore"
	"github.com/cardinalhq/bagger/internal/plancache"
)

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	Router     RouterConfig          `mapstructure:"router"`
	PlanCache  PlanCacheConfig       `mapstructure:"plancache"`
	Ingest     ingest.Config         `mapstructure:"ingest"`
	Kafka      docsource.KafkaConfig `mapstructure:"kafka"`
	Migrations MigrationsConfig      `mapstructure:"migrations"`
	Health     HealthConfig          `mapstructure:"health"`
}

// RouterConfig controls how documents are navigated and where partitions
// live.
type RouterConfig struct {
	// SortedKeys enables the ordered object scan. Only safe when every
	// producer writes object keys in byte order.
	SortedKeys bool   `mapstructure:"sorted_keys"`
	Schema     string `mapstructure:"schema"`
	ParamType  string `mapstructure:"param_type"`
}

type PlanCacheConfig struct {
	// MaxEntries caps the number of prepared plans; 0 is unbounded.
	MaxEntries int `mapstructure:"max_entries"`
}

type MigrationsConfig struct {
	// CheckMode is wait, warn or skip.
	CheckMode string        `mapstructure:"check_mode"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// HealthConfig controls the probe server run by long-lived consumers.
type HealthConfig struct {
	// Port of 0 disables the server.
	Port int `mapstructure:"port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Router: RouterConfig{
			Schema:    pgstore.DefaultSchema,
			ParamType: plancache.DefaultParamType,
		},
		Ingest: ingest.DefaultConfig(),
		Kafka:  docsource.DefaultKafkaConfig(),
		Migrations: MigrationsConfig{
			CheckMode: "wait",
			Timeout:   2 * time.Minute,
		},
		Health: HealthConfig{
			Port: 8090,
		},
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "BAGGER" and the dot character
// in keys is replaced by an underscore. For example, "ingest.missing_policy"
// becomes "BAGGER_INGEST_MISSING_POLICY".
func Load() (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("BAGGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if b := v.GetString("kafka.brokers"); b != "" {
		cfg.Kafka.Brokers = strings.Split(b, ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var sqlTypeName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?(\[\])?$`)

// Validate rejects settings that would fail later in less obvious ways.
func (c *Config) Validate() error {
	var errs []error
	if !sqlTypeName.MatchString(c.Router.ParamType) {
		errs = append(errs, fmt.Errorf("router.param_type %q is not a type name", c.Router.ParamType))
	}
	if c.PlanCache.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("plancache.max_entries must not be negative, got %d", c.PlanCache.MaxEntries))
	}
	if c.Health.Port < 0 || c.Health.Port > 65535 {
		errs = append(errs, fmt.Errorf("health.port %d out of range", c.Health.Port))
	}
	if err := c.Ingest.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
