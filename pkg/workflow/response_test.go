package workflow_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/workflowcore/pkg/workflow"
)

func TestHandleResponse_JSONObjectAdopted(t *testing.T) {
	out, err := workflow.HandleResponse("application/json", []byte(`{"value": 42, "name": "x"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, 42.0, out["value"])
	assert.Equal(t, "x", out["name"])
}

func TestHandleResponse_JSONNonObjectWrapped(t *testing.T) {
	out, err := workflow.HandleResponse("application/json", []byte(`[1,2,3]`), nil)
	require.NoError(t, err)
	data, ok := out["data"].([]interface{})
	require.True(t, ok)
	assert.Len(t, data, 3)
}

func TestHandleResponse_TextContentType(t *testing.T) {
	out, err := workflow.HandleResponse("text/plain; charset=utf-8", []byte("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", out["content_type"])
	assert.Equal(t, "hello", out["data"])
}

func TestHandleResponse_BinaryInlineBase64(t *testing.T) {
	body := []byte(strings.Repeat("x", 1024)) // well under 500 KiB
	out, err := workflow.HandleResponse("application/pdf", body, nil)
	require.NoError(t, err)
	assert.Equal(t, "base64", out["encoding"])
	assert.Equal(t, len(body), out["size_bytes"])
}

func TestHandleResponse_BinaryOverflowsToFile(t *testing.T) {
	storage := workflow.NewResponseStorage(t.TempDir())
	body := make([]byte, 600*1024) // over 500 KiB

	out, err := workflow.HandleResponse("application/pdf", body, storage)
	require.NoError(t, err)
	assert.Equal(t, "file", out["encoding"])
	assert.NotEmpty(t, out["file_path"])

	storage.Cleanup()
}

func TestHandleResponse_UnknownContentTypeFallsBackToJSON(t *testing.T) {
	out, err := workflow.HandleResponse("", []byte(`{"ok": true}`), nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
}
