// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v2"
)

// Hearth is the top-level configuration.
type Hearth struct {
	Homeserver Homeserver   `yaml:"homeserver"`
	Sync       Sync         `yaml:"sync"`
	Storage    Storage      `yaml:"storage"`
	Logging    []LogrusHook `yaml:"logging"`
	Sentry     Sentry       `yaml:"sentry"`
}

// Homeserver identifies the server and account the engine syncs as.
type Homeserver struct {
	// URL is the base client-server API URL, e.g. https://matrix.example.org.
	URL string `yaml:"url"`
	// UserID is the full Matrix user id, e.g. @alice:example.org.
	UserID string `yaml:"user_id"`
	// AccessToken authenticates every request. Read from the
	// HEARTH_ACCESS_TOKEN environment variable when empty.
	AccessToken string `yaml:"access_token"`
}

func (h *Homeserver) Defaults(opts DefaultOpts) {
	if opts.Generate {
		h.URL = "https://matrix.example.org"
		h.UserID = "@alice:example.org"
	}
}

func (h *Homeserver) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "homeserver.url", h.URL)
	if h.URL != "" {
		u, err := url.Parse(h.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			configErrs.Add(fmt.Sprintf("invalid URL for config key %q: %s", "homeserver.url", h.URL))
		}
	}
	checkNotEmpty(configErrs, "homeserver.user_id", h.UserID)
	if h.UserID != "" && !strings.HasPrefix(h.UserID, "@") {
		configErrs.Add(fmt.Sprintf("invalid user id for config key %q: %s", "homeserver.user_id", h.UserID))
	}
	if h.AccessTokenValue() == "" {
		configErrs.Add("missing config key \"homeserver.access_token\" (or HEARTH_ACCESS_TOKEN)")
	}
}

// AccessTokenValue returns the configured token, falling back to the
// environment.
func (h *Homeserver) AccessTokenValue() string {
	if h.AccessToken != "" {
		return h.AccessToken
	}
	return os.Getenv("HEARTH_ACCESS_TOKEN")
}

// Sync tunes the long-poll loop.
type Sync struct {
	// TimeoutMS is the /sync long-poll timeout in milliseconds.
	TimeoutMS int `yaml:"timeout_ms"`
}

func (s *Sync) Defaults(opts DefaultOpts) {
	s.TimeoutMS = 30000
}

func (s *Sync) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "sync.timeout_ms", int64(s.TimeoutMS))
}

// Storage selects and tunes the store backing the engine.
type Storage struct {
	// DatabasePath is the sqlite file backing the cache. Empty selects the
	// in-memory store: nothing survives a restart.
	DatabasePath string `yaml:"database_path"`
	// EventCacheSizeBytes bounds the in-memory decoded event cache.
	EventCacheSizeBytes int64 `yaml:"event_cache_size_bytes"`
}

func (s *Storage) Defaults(opts DefaultOpts) {
	s.EventCacheSizeBytes = 32 * 1024 * 1024
	if opts.Generate {
		s.DatabasePath = "hearth.db"
	}
}

func (s *Storage) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "storage.event_cache_size_bytes", s.EventCacheSizeBytes)
}

// LogrusHook represents a single logrus hook. At this point, only parsing
// and verification of the proper values are done. Validity/integrity checks
// on the parameters are done when configuring logrus.
type LogrusHook struct {
	// The type of hook, currently only "file" is supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

func (logrusHook *LogrusHook) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "logging.type", logrusHook.Type)
	checkNotEmpty(configErrs, "logging.level", logrusHook.Level)
}

// Sentry configures error reporting.
type Sentry struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

func (s *Sentry) Verify(configErrs *ConfigErrors) {
	if s.Enabled {
		checkNotEmpty(configErrs, "sentry.dsn", s.DSN)
	}
}

// DefaultOpts tweaks what Defaults fills in.
type DefaultOpts struct {
	// Generate fills in placeholder values suitable for writing out an
	// example config file.
	Generate bool
}

// Defaults sets sensible values on every section.
func (c *Hearth) Defaults(opts DefaultOpts) {
	c.Homeserver.Defaults(opts)
	c.Sync.Defaults(opts)
	c.Storage.Defaults(opts)
}

// Verify checks the whole config, collecting every problem rather than
// stopping at the first.
func (c *Hearth) Verify(configErrs *ConfigErrors) {
	c.Homeserver.Verify(configErrs)
	c.Sync.Verify(configErrs)
	c.Storage.Verify(configErrs)
	c.Sentry.Verify(configErrs)
	for i := range c.Logging {
		c.Logging[i].Verify(configErrs)
	}
}

// Load reads and parses the config file at the given path, applying defaults
// for anything the file does not set.
func Load(path string) (*Hearth, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Hearth
	c.Defaults(DefaultOpts{})
	if err = yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this ConfigErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized ConfigErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive (zero included)
// in the configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
