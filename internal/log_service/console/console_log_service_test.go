package console

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AnishMulay/memstripe/internal/log_service"
)

func TestConsoleLogService_LevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	ls := NewConsoleLogService(&buf, "rank-1", log_service.InfoLevel)

	ls.Debug(log_service.LogEvent{Message: "hidden"})
	ls.Info(log_service.LogEvent{Message: "gather done", Metadata: map[string]any{"bytes": 8192}})

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "gather done")
	assert.Contains(t, out, "bytes=8192")
	assert.Contains(t, out, "node=rank-1")
}
