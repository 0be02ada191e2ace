package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRemote(t *testing.T) {
	tests := []struct {
		location string
		want     bool
	}{
		{"http://ci.example.com/run.json", true},
		{"https://ci.example.com/run.json", true},
		{"run.json", false},
		{"/tmp/run.json", false},
		{"ftp://host/run.json", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRemote(tt.location))
		})
	}
}

func TestOpen_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"v":1}`), 0o600))

	rc, err := Open(context.Background(), nil, path)
	require.NoError(t, err)
	defer rc.Close() //nolint:errcheck

	doc, err := DecodeDocument(rc)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": float64(1)}, doc)
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(context.Background(), nil, filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorContains(t, err, "fetcher: open")
}

func TestOpen_Remote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[1]`))
	}))
	defer srv.Close()

	rc, err := Open(context.Background(), fastFetcher(HTTPOptions{}), srv.URL)
	require.NoError(t, err)
	defer rc.Close() //nolint:errcheck
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "[1]", string(data))

	_, err = Open(context.Background(), nil, srv.URL)
	assert.ErrorContains(t, err, "no http fetcher")
}
