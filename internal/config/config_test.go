package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CUSTOMSKB_DB_PATH", "CUSTOMSKB_EMBEDDING_PROVIDER", "CUSTOMSKB_EMBEDDING_API_KEY",
		"OPENAI_API_KEY", "CUSTOMSKB_EMBEDDING_ENDPOINT", "CUSTOMSKB_EMBEDDING_MODEL",
		"CUSTOMSKB_EMBEDDING_DIMENSIONS", "CUSTOMSKB_VECTOR_BACKEND", "QDRANT_URL",
		"QDRANT_API_KEY", "QDRANT_COLLECTION", "CHUNK_SIZE", "CHUNK_OVERLAP",
		"CUSTOMSKB_SERVER_ADDR", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestParseDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Parse([]byte("database:\n  path: /tmp/kb/test.db\n"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/kb/test.db", cfg.Database.Path)
	assert.Equal(t, "/tmp/kb/test.bleve", cfg.Database.TextIndexPath)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, 384, cfg.Embedding.Dimensions)
	assert.Equal(t, 32, cfg.Embedding.BatchSize)
	assert.Equal(t, "local", cfg.Vector.Backend)
	assert.Equal(t, "cbp_documents", cfg.Vector.Collection)
	assert.Equal(t, 512, cfg.Chunking.MaxTokens)
	assert.Equal(t, 50, cfg.Chunking.Overlap)
	assert.Equal(t, 4, cfg.Search.OverfetchFactor)
	assert.Equal(t, 3, cfg.Search.FilterRetryRounds)
	assert.Equal(t, 3, cfg.Ingest.MaxRetries)
	assert.Equal(t, time.Second, cfg.Ingest.RetryDelay)
	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, "u-s-customs-and-border-protection", cfg.Sources.FederalRegister.Agency)
}

func TestDefault(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".customs-kb", "data", "customs-kb.db"), cfg.Database.Path)
	assert.Equal(t, filepath.Join(home, ".customs-kb", "data", "customs-kb.bleve"), cfg.Database.TextIndexPath)

	t.Setenv("HOME", "")
	cfg, err = Default()
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestParseDurations(t *testing.T) {
	clearEnv(t)

	cfg, err := Parse([]byte("ingest:\n  retry_delay: 250ms\n  max_retry_delay: 5s\n"))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Ingest.RetryDelay)
	assert.Equal(t, 5*time.Second, cfg.Ingest.MaxRetryDelay)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CUSTOMSKB_EMBEDDING_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CUSTOMSKB_VECTOR_BACKEND", "qdrant")
	t.Setenv("QDRANT_URL", "http://qdrant:6333")
	t.Setenv("CHUNK_SIZE", "256")

	cfg, err := Parse([]byte("embedding:\n  provider: hash\n"))
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
	assert.Equal(t, "qdrant", cfg.Vector.Backend)
	assert.Equal(t, "http://qdrant:6333", cfg.Vector.QdrantURL)
	assert.Equal(t, 256, cfg.Chunking.MaxTokens)
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		yaml string
	}{
		{"unknown provider", "embedding:\n  provider: word2vec\n"},
		{"openai without key", "embedding:\n  provider: openai\n"},
		{"unknown backend", "vector:\n  backend: faiss\n"},
		{"overlap too large", "chunking:\n  max_tokens: 10\n  overlap: 10\n"},
		{"negative retries", "ingest:\n  max_retries: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFileNotFound(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, IsConfigNotFound(err))
}

func TestWriteDefaultTemplate(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config", "customs-kb.yaml")

	created, err := WriteDefaultTemplate(path)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = WriteDefaultTemplate(path)
	require.NoError(t, err)
	assert.False(t, created)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.True(t, filepath.IsAbs(cfg.Database.Path))
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("QDRANT_COLLECTION=from_dotenv\n"), 0644))
	// godotenv never overrides a variable that is already present, even if empty.
	require.NoError(t, os.Unsetenv("QDRANT_COLLECTION"))
	t.Cleanup(func() { os.Unsetenv("QDRANT_COLLECTION") })

	require.NoError(t, LoadDotEnv(envPath))
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, "from_dotenv", cfg.Vector.Collection)

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "absent.env")))
}
