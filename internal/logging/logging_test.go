package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesJSON(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	require.NoError(t, Setup("warn", false, &buf))

	log.Info().Msg("dropped")
	log.Warn().Str("k", "v").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "v", line["k"])
	assert.Equal(t, "bizfolio", line["service"])
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Setup("loud", false, &bytes.Buffer{}))
}
