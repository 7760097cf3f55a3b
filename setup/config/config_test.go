// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hearth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
homeserver:
  url: https://matrix.example.org
  user_id: "@alice:example.org"
  access_token: secret
storage:
  database_path: /tmp/hearth.db
logging:
  - type: std
    level: info
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	configErrs := &ConfigErrors{}
	cfg.Verify(configErrs)
	require.Empty(t, *configErrs)

	assert.Equal(t, "https://matrix.example.org", cfg.Homeserver.URL)
	assert.Equal(t, "secret", cfg.Homeserver.AccessTokenValue())
	assert.Equal(t, "/tmp/hearth.db", cfg.Storage.DatabasePath)
	assert.Equal(t, 30000, cfg.Sync.TimeoutMS, "defaults fill unset sections")
	assert.Equal(t, int64(32*1024*1024), cfg.Storage.EventCacheSizeBytes)
}

func TestVerifyCollectsAllErrors(t *testing.T) {
	cfg := &Hearth{}
	cfg.Defaults(DefaultOpts{})
	cfg.Homeserver.URL = ""
	cfg.Homeserver.UserID = "alice" // missing @ sigil
	cfg.Sentry.Enabled = true

	configErrs := &ConfigErrors{}
	cfg.Verify(configErrs)
	require.NotEmpty(t, *configErrs)
	assert.GreaterOrEqual(t, len(*configErrs), 3)
	assert.Contains(t, configErrs.Error(), "other problems")
}

func TestAccessTokenFromEnvironment(t *testing.T) {
	t.Setenv("HEARTH_ACCESS_TOKEN", "env-token")
	h := Homeserver{}
	assert.Equal(t, "env-token", h.AccessTokenValue())

	h.AccessToken = "explicit"
	assert.Equal(t, "explicit", h.AccessTokenValue())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
