package workflow

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-faster/jx"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
)

// binaryInlineThreshold is the cutoff below which a binary response is
// stored inline as base64 rather than spilled to a temp file (spec.md
// §4.4): 500 KiB.
const binaryInlineThreshold = 500 * 1024

// ResponseStorage tracks temp files created while handling binary
// responses for one execution so they can be deleted on any termination
// path (spec.md §4.4, §5).
type ResponseStorage struct {
	mu    sync.Mutex
	dir   string
	files []string
}

// NewResponseStorage creates a storage helper that writes large binary
// bodies under dir (the configured scratch directory, spec.md §6).
func NewResponseStorage(dir string) *ResponseStorage {
	return &ResponseStorage{dir: dir}
}

// WriteFile persists body under a random-suffixed filename and records it
// for later cleanup.
func (s *ResponseStorage) WriteFile(contentType string, body []byte) (string, error) {
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return "", wferrors.Wrap(err, wferrors.KindInternal, "failed to generate temp file suffix")
	}
	name := fmt.Sprintf("task-response-%s%s", hex.EncodeToString(suffix), extensionFor(contentType))
	path := filepath.Join(s.dir, name)

	if err := os.WriteFile(path, body, 0o600); err != nil {
		return "", wferrors.Wrap(err, wferrors.KindInternal, "failed to write binary response to temp file")
	}

	s.mu.Lock()
	s.files = append(s.files, path)
	s.mu.Unlock()
	return path, nil
}

// Cleanup deletes every temp file created during the run. It is called on
// every termination path: success, failure, and cancellation.
func (s *ResponseStorage) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range s.files {
		_ = os.Remove(path)
	}
	s.files = nil
}

func extensionFor(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}

// HandleResponse dispatches on the normalized content-type and produces
// the uniform output map described in spec.md §4.4. storage may be nil if
// the response is known not to require binary handling (e.g. dry-run).
func HandleResponse(contentType string, body []byte, storage *ResponseStorage) (map[string]interface{}, error) {
	normalized := normalizeContentType(contentType)

	switch {
	case isJSON(normalized):
		return handleJSON(body)
	case strings.HasPrefix(normalized, "text/"):
		return handleText(normalized, body), nil
	case normalized == "":
		return handleJSON(body)
	default:
		return handleBinary(normalized, body, storage)
	}
}

// normalizeContentType lowercases a Content-Type header and strips
// parameters (e.g. "; charset=utf-8").
func normalizeContentType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = ct[:idx]
	}
	return strings.TrimSpace(ct)
}

func isJSON(normalized string) bool {
	if normalized == "application/json" {
		return true
	}
	return strings.HasPrefix(normalized, "application/") && strings.HasSuffix(normalized, "+json")
}

// handleJSON parses body with go-faster/jx's token-based reader (avoiding
// reflection-based unmarshal on the execution hot path). If the root is an
// object, it is adopted as-is; otherwise it is wrapped as {data: <value>}.
func handleJSON(body []byte) (map[string]interface{}, error) {
	if len(body) == 0 {
		return map[string]interface{}{}, nil
	}
	d := jx.DecodeBytes(body)
	val, err := decodeJXValue(d)
	if err != nil {
		return nil, wferrors.Wrap(err, wferrors.KindHTTPStatus, "failed to parse JSON response body")
	}
	if obj, ok := val.(map[string]interface{}); ok {
		return obj, nil
	}
	return map[string]interface{}{"data": val}, nil
}

func decodeJXValue(d *jx.Decoder) (interface{}, error) {
	kind := d.Next()
	switch kind {
	case jx.Object:
		obj := map[string]interface{}{}
		err := d.Obj(func(d *jx.Decoder, key string) error {
			val, err := decodeJXValue(d)
			if err != nil {
				return err
			}
			obj[key] = val
			return nil
		})
		return obj, err
	case jx.Array:
		var arr []interface{}
		err := d.Arr(func(d *jx.Decoder) error {
			val, err := decodeJXValue(d)
			if err != nil {
				return err
			}
			arr = append(arr, val)
			return nil
		})
		return arr, err
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return nil, err
		}
		f, err := n.Float64()
		return f, err
	case jx.Bool:
		return d.Bool()
	case jx.Null:
		return nil, d.Null()
	default:
		return nil, wferrors.Newf(wferrors.KindHTTPStatus, "unexpected JSON token kind %v", kind)
	}
}

func handleText(normalized string, body []byte) map[string]interface{} {
	return map[string]interface{}{
		"content_type": normalized,
		"data":         string(body),
	}
}

func handleBinary(normalized string, body []byte, storage *ResponseStorage) (map[string]interface{}, error) {
	if len(body) < binaryInlineThreshold {
		return map[string]interface{}{
			"content_type": normalized,
			"encoding":     "base64",
			"data":         base64.StdEncoding.EncodeToString(body),
			"size_bytes":   len(body),
		}, nil
	}

	if storage == nil {
		return nil, wferrors.New(wferrors.KindInternal, "binary response exceeds inline threshold but no storage is configured")
	}
	path, err := storage.WriteFile(normalized, body)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"content_type": normalized,
		"encoding":     "file",
		"file_path":    path,
		"size_bytes":   len(body),
	}, nil
}

// drainBody reads an http.Response body fully before content-type
// dispatch. Nothing in this module calls it; pkg/executor reads bodies with
// io.ReadAll directly.
func drainBody(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
