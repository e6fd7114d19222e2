package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/Creativityliberty/Os-frame/pkg/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerEmitsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	require.NoError(t, logger.Record(context.Background(), audit.Entry{
		TenantID: "t1",
		ActorID:  "alice",
		Type:     audit.EventMutation,
		Action:   "registry:replace",
		Resource: "registry",
		Metadata: map[string]any{"layer": "base"},
	}))
	require.NoError(t, logger.Record(context.Background(), audit.Entry{
		Type: audit.EventAccess, Action: "run:read", Resource: "r1",
	}))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first audit.Entry
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.NotEmpty(t, first.ID, "ids are assigned")
	assert.False(t, first.TS.IsZero(), "timestamps are assigned")
	assert.Equal(t, "registry:replace", first.Action)
	assert.Equal(t, audit.EventMutation, first.Type)
}
