package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)
	t.Chdir(t.TempDir())
	defer os.Chdir(cwd) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2, cfg.Queue.Workers)
	assert.Equal(t, 900, cfg.Queue.ClaimTimeoutSecs)
	assert.Equal(t, "pdftotext", cfg.OCR.PdfToTextPath)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.Model)
	assert.Equal(t, 768, cfg.Embedding.Dimensions)
	assert.Equal(t, 8, cfg.Extract.TopK)
	assert.Equal(t, "Swedish", cfg.Extract.TargetLanguage)
	assert.Equal(t, 100, cfg.Review.CommentMaxLen)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_ConfigFile(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)
	dir := t.TempDir()
	t.Chdir(dir)
	defer os.Chdir(cwd) //nolint:errcheck

	yaml := `
store:
  driver: sqlite
  database_url: pipeline.db
queue:
  max_attempts: 3
  workers: 4
extract:
  top_k: 12
review:
  channel_id: "123456"
`
	require.NoError(t, os.WriteFile(dir+"/config.yaml", []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "pipeline.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 12, cfg.Extract.TopK)
	assert.Equal(t, "123456", cfg.Review.ChannelID)
	// untouched defaults survive
	assert.Equal(t, "Swedish", cfg.Extract.TargetLanguage)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))

	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	require.Error(t, err)
}
