package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())

	var buf bytes.Buffer
	require.NoError(t, Setup("debug", FormatJSON, &buf))

	For("registry").WithField("peer_id", "alice").Debug("registered")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "registry", line["component"])
	assert.Equal(t, "alice", line["peer_id"])
	assert.Equal(t, "registered", line["msg"])
}

func TestSetupRejectsBadInput(t *testing.T) {
	assert.Error(t, Setup("loud", FormatText, nil))
	assert.Error(t, Setup("info", Format("xml"), nil))
}

func TestDiscard(t *testing.T) {
	entry := Discard()
	assert.NotPanics(t, func() { entry.Info("nothing") })
}
