package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ".specline/projects", cfg.Specs.Root)
	assert.Equal(t, int64(51200), cfg.Specs.WarnSizeBytes)
	assert.Equal(t, PublisherNone, cfg.Publisher.Kind)
	assert.Equal(t, "ai-feature", cfg.Publisher.Label)
	assert.Equal(t, 20*time.Second, cfg.Publisher.Timeout())
	assert.Equal(t, "/v0", cfg.Server.BasePath)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
publisher:
  kind: github
  github:
    owner: acme
    repo: app
webhooks:
  - url: https://hooks.test/specline
    events: [spec.approved]
`))
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Publisher.GitHub.Owner)
	assert.Equal(t, "GITHUB_TOKEN", cfg.Publisher.GitHub.TokenEnv)
	assert.Equal(t, 20, cfg.Publisher.TimeoutSeconds)
	require.Len(t, cfg.Webhooks, 1)
	assert.True(t, cfg.Webhooks[0].Active())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"unknown kind":      "publisher: {kind: jira}",
		"github no repo":    "publisher: {kind: github, github: {owner: acme}}",
		"http no url":       "publisher: {kind: http}",
		"bad webhook":       "webhooks: [{url: 'ftp://x'}]",
		"zero timeout":      "publisher: {timeout_seconds: 0}",
		"relative basepath": "server: {base_path: v0}",
		"negative size":     "specs: {warn_size_bytes: -1}",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	ws := t.TempDir()
	cfg, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	opt, err := LoadOptional(ws)
	require.NoError(t, err)
	assert.Nil(t, opt)

	require.NoError(t, os.WriteFile(Path(ws), []byte("specs: {warn_size_bytes: 10}\n"), 0o644))
	cfg, err = Load(ws)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cfg.Specs.WarnSizeBytes)
	assert.Equal(t, filepath.Join(ws, ".specline/projects"), cfg.SpecsRoot(ws))
}

func TestPublisherToken(t *testing.T) {
	t.Setenv("SPECLINE_TEST_TOKEN", " tok ")
	var p PublisherConfig
	p.Kind = PublisherGitHub
	p.GitHub.TokenEnv = "SPECLINE_TEST_TOKEN"
	assert.Equal(t, "tok", p.Token())
	p.Kind = PublisherNone
	assert.Equal(t, "", p.Token())
}
