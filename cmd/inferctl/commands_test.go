package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAPIKeyLifecycle(t *testing.T) {
	db := filepath.Join(t.TempDir(), "keys.db")

	out, err := execute(t, "", "--db", db, "apikey", "create", "ci")
	require.NoError(t, err)
	assert.Contains(t, out, "name: ci")
	assert.Contains(t, out, "key:  fk-")

	var id string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "id:") {
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		}
	}
	require.NotEmpty(t, id)

	out, err = execute(t, "", "--db", db, "apikey", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "never")

	_, err = execute(t, "", "--db", db, "apikey", "delete", id)
	require.NoError(t, err)

	_, err = execute(t, "", "--db", db, "apikey", "delete", id)
	assert.Error(t, err)
}

func TestPredictSendsRowsAndKey(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"abc","target":"y","horizon":2}`))
	}))
	defer srv.Close()

	rows := `{"data":[{"ds":"2024-03-01","y":1},{"ds":"2024-03-02","y":2}]}`
	out, err := execute(t, rows, "--server", srv.URL, "--api-key", "secret", "predict", "-f", "-", "--horizon", "2")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "abc"`)
	assert.Len(t, got["data"], 2)
	assert.Equal(t, 2.0, got["horizon"])
}

func TestPredictSurfacesServerDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"Inference caching is disabled."}`))
	}))
	defer srv.Close()

	_, err := execute(t, "", "--server", srv.URL, "predict")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Inference caching is disabled.")
}

func TestIngestRequiresFile(t *testing.T) {
	_, err := execute(t, "", "ingest")
	assert.Error(t, err)
}

func TestReadRecords(t *testing.T) {
	dir := t.TempDir()
	arr := filepath.Join(dir, "rows.json")
	require.NoError(t, os.WriteFile(arr, []byte(`[{"ds":"2024-03-01","y":1}]`), 0o600))

	rows, err := readRecords(nil, arr)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1.0, rows[0].Values["y"])

	_, err = readRecords(strings.NewReader("  "), "-")
	assert.EqualError(t, err, "input is empty")

	_, err = readRecords(strings.NewReader(`{"data":[]}`), "-")
	assert.EqualError(t, err, "input has no rows")

	_, err = readRecords(strings.NewReader(`[1,2]`), "-")
	assert.Error(t, err)
}
