package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("uses defaults", func(t *testing.T) {
		t.Setenv("IMPORT_SCHEMA_DETECTOR", "")
		t.Setenv("WORKER_JOB_RETENTION", "")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "heuristic", cfg.Import.SchemaDetector)
		assert.Equal(t, 100, cfg.Lookup.ChunkSize)
		assert.Equal(t, 7*24*time.Hour, cfg.Worker.JobRetention)
	})

	t.Run("reads overrides", func(t *testing.T) {
		t.Setenv("LOOKUP_CHUNK_SIZE", "25")
		t.Setenv("WORKER_POLL_INTERVAL", "250ms")
		t.Setenv("POSTGRES_DB", "ingest")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 25, cfg.Lookup.ChunkSize)
		assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
		assert.Contains(t, cfg.Database.DSN(), "dbname=ingest")
	})

	t.Run("llm detector requires api key", func(t *testing.T) {
		t.Setenv("IMPORT_SCHEMA_DETECTOR", "llm")
		t.Setenv("GEMINI_API_KEY", "")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("rejects unknown detector", func(t *testing.T) {
		t.Setenv("IMPORT_SCHEMA_DETECTOR", "magic")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("suggestions require api key", func(t *testing.T) {
		t.Setenv("IMPORT_SUGGESTIONS", "true")
		t.Setenv("GEMINI_API_KEY", "")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("rejects confidence above one", func(t *testing.T) {
		t.Setenv("IMPORT_SUGGESTION_MIN_CONFIDENCE", "1.5")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("rejects non-positive drain rate", func(t *testing.T) {
		for _, rate := range []string{"0", "-2"} {
			t.Setenv("WORKER_DRAINS_PER_SECOND", rate)

			_, err := Load()
			assert.ErrorContains(t, err, "WORKER_DRAINS_PER_SECOND", rate)
		}
	})
}
