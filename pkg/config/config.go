package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig is a default Config.
var DefaultConfig = Config{
	Weave: Weave{
		Workers:           4,
		Verify:            true,
		Fallback:          false,
		FailFast:          false,
		WarningsPerSecond: 1,
	},
	Classpath: Classpath{
		CacheTTL:      10 * time.Minute,
		CacheCapacity: 16384,
		SuperCache:    4096,
	},
}

// Config is the root configuration of betterinject.
type Config struct {
	// Descriptors are the injection descriptor files to load.
	Descriptors []string `json:"descriptors,omitempty" yaml:"descriptors,omitempty"`
	// See Weave struct.
	Weave Weave `json:"weave,omitempty" yaml:"weave,omitempty"`
	// See Classpath struct.
	Classpath Classpath `json:"classpath,omitempty" yaml:"classpath,omitempty"`
	// Debug enables debug logging.
	Debug bool `json:"debug,omitempty" yaml:"debug,omitempty"`
}

// Weave configures how classes are rewritten.
type Weave struct {
	// Workers bounds the classes rewritten in parallel.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`
	// Verify re-checks every rewritten method.
	Verify bool `json:"verify" yaml:"verify"`
	// Fallback keeps classes unchanged whose rewritten form fails verification.
	Fallback bool `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	// FailFast stops at the first failing class.
	FailFast bool `json:"failFast,omitempty" yaml:"failFast,omitempty"`
	// WarningsPerSecond limits repeated warnings of the same injection.
	// Zero logs every warning.
	WarningsPerSecond float32 `json:"warningsPerSecond,omitempty" yaml:"warningsPerSecond,omitempty"`
}

// Classpath configures where classes referenced by rewritten code are
// looked up when stack frames merge.
type Classpath struct {
	// Paths are directories and jar files.
	Paths         []string      `json:"paths,omitempty" yaml:"paths,omitempty"`
	CacheTTL      time.Duration `json:"cacheTTL,omitempty" yaml:"cacheTTL,omitempty"`
	CacheCapacity uint64        `json:"cacheCapacity,omitempty" yaml:"cacheCapacity,omitempty"`
	// SuperCache bounds the memoized common super class lookups.
	SuperCache int `json:"superCache,omitempty" yaml:"superCache,omitempty"`
}

// Validate validates a Config.
func (c *Config) Validate() (warns []error, errs []error) {
	e := func(m string, args ...any) { errs = append(errs, fmt.Errorf(m, args...)) }
	w := func(m string, args ...any) { warns = append(warns, fmt.Errorf(m, args...)) }
	if c == nil {
		e("config must not be nil")
		return
	}

	if len(c.Descriptors) == 0 {
		w("No descriptor files configured, classes will be copied unchanged.")
	}
	for _, p := range c.Descriptors {
		if p == "" {
			e("Empty descriptor file path")
		}
	}

	if c.Weave.Workers < 1 {
		e("Invalid workers %d, use a number >= 1", c.Weave.Workers)
	}
	if !c.Weave.Verify {
		w("Verification is disabled, rewritten classes may be rejected by the JVM.")
		if c.Weave.Fallback {
			w("Fallback has no effect while verification is disabled.")
		}
	}
	if c.Weave.FailFast && c.Weave.Fallback {
		w("Fallback takes precedence over fail-fast for classes failing verification.")
	}
	if c.Weave.WarningsPerSecond < 0 {
		e("Invalid warningsPerSecond %v, use a number >= 0", c.Weave.WarningsPerSecond)
	}

	for _, p := range c.Classpath.Paths {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				w("Classpath entry %q does not exist", p)
			} else {
				e("Invalid classpath entry %q: %v", p, err)
			}
		}
	}
	if c.Classpath.CacheTTL < 0 {
		e("Invalid classpath cacheTTL %s, must not be negative", c.Classpath.CacheTTL)
	}
	if c.Classpath.SuperCache < 0 {
		e("Invalid classpath superCache %d, must not be negative", c.Classpath.SuperCache)
	}
	return
}

// SetDefaults registers DefaultConfig as the defaults of v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig
	v.SetDefault("weave.workers", d.Weave.Workers)
	v.SetDefault("weave.verify", d.Weave.Verify)
	v.SetDefault("weave.fallback", d.Weave.Fallback)
	v.SetDefault("weave.failFast", d.Weave.FailFast)
	v.SetDefault("weave.warningsPerSecond", d.Weave.WarningsPerSecond)
	v.SetDefault("classpath.cacheTTL", d.Classpath.CacheTTL)
	v.SetDefault("classpath.cacheCapacity", d.Classpath.CacheCapacity)
	v.SetDefault("classpath.superCache", d.Classpath.SuperCache)
}

// Load unmarshals v into a Config on top of DefaultConfig.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	cfg := DefaultConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return &cfg, nil
}
