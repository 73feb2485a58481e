// Package testutil provides shared test utilities and fixtures: a stand-in
// slicer executable and helpers for driving the multipart upload routes.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// SlicerScript is a POSIX shell stand-in for a slicer. It writes "G28" to
// the path following --output (or -o) and prints "sliced" on stdout.
const SlicerScript = `out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output|-o) out="$2"; shift ;;
  esac
  shift
done
echo "G28" > "$out"
echo "sliced"
`

// WriteExecutable writes a "#!/bin/sh" script with body to dir/name and
// returns its path.
func WriteExecutable(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

// FormFile is a file part of a multipart upload.
type FormFile struct {
	Field   string
	Name    string
	Content string
}

// NewMultipartRequest builds a POST to path carrying fields and, when file
// is non-nil, one file part.
func NewMultipartRequest(t *testing.T, path string, fields map[string]string, file *FormFile) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("failed to write field %s: %v", k, err)
		}
	}
	if file != nil {
		part, err := mw.CreateFormFile(file.Field, file.Name)
		if err != nil {
			t.Fatalf("failed to create file part: %v", err)
		}
		if _, err := io.WriteString(part, file.Content); err != nil {
			t.Fatalf("failed to write file part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// DecodeJSON decodes a flat JSON object of strings.
func DecodeJSON(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	return body
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}
