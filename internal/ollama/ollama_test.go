package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal in-memory Ollama control API.
type fakeBackend struct {
	mu         sync.Mutex
	version    string
	models     []string
	blobs      map[string][]byte
	dropBlobs  bool     // accept uploads but never store them
	createResp []string // NDJSON lines returned by /api/create
	pullResp   []string
	requests   []string
	createReq  createRequest
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		version:    "0.6.2",
		blobs:      map[string][]byte{},
		createResp: []string{`{"status":"parsing GGUF"}`, `{"status":"writing manifest"}`, `{"status":"success"}`},
	}
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		_, _ = io.WriteString(w, "Ollama is running")
	case r.URL.Path == "/api/version":
		_ = json.NewEncoder(w).Encode(map[string]string{"version": f.version})
	case r.URL.Path == "/api/tags":
		var ms []Model
		for _, n := range f.models {
			ms = append(ms, Model{Name: n, Model: n})
		}
		_ = json.NewEncoder(w).Encode(tagsResponse{Models: ms})
	case r.URL.Path == "/api/pull":
		for _, l := range f.pullResp {
			_, _ = io.WriteString(w, l+"\n")
		}
	case strings.HasPrefix(r.URL.Path, "/api/blobs/"):
		digest := strings.TrimPrefix(r.URL.Path, "/api/blobs/")
		switch r.Method {
		case http.MethodPost:
			b, _ := io.ReadAll(r.Body)
			if Digest(b) != digest {
				http.Error(w, "digest mismatch", http.StatusBadRequest)
				return
			}
			if !f.dropBlobs {
				f.blobs[digest] = b
			}
			w.WriteHeader(http.StatusCreated)
		case http.MethodHead:
			if _, ok := f.blobs[digest]; ok {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		}
	case r.URL.Path == "/api/create":
		_ = json.NewDecoder(r.Body).Decode(&f.createReq)
		for _, l := range f.createResp {
			_, _ = io.WriteString(w, l+"\n")
		}
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBackend) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func startFake(t *testing.T, f *fakeBackend) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", Timeout: 2 * time.Second})
}

func writeModel(t *testing.T, content []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(p, content, 0o644))
	return p
}

func TestHealthAndModels(t *testing.T) {
	f := newFakeBackend()
	f.models = []string{"llama3.2:latest", "snowflake-arctic-embed:xs"}
	c := startFake(t, f)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))
	models, err := c.ListInstalledModels(ctx)
	require.NoError(t, err)
	assert.Len(t, models, 2)

	ok, err := c.HasModel(ctx, "llama3.2")
	require.NoError(t, err)
	assert.True(t, ok, "bare name should match :latest")

	ok, err = c.HasModel(ctx, "snowflake-arctic-embed:xs")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.HasModel(ctx, "snowflake-arctic-embed")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHealth_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "warming up", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	err := New(Config{BaseURL: srv.URL}).Health(context.Background())
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusServiceUnavailable, ae.StatusCode)
	assert.Equal(t, "warming up", ae.Body)
}

func TestPullModelStream(t *testing.T) {
	f := newFakeBackend()
	f.pullResp = []string{
		`{"status":"pulling manifest"}`,
		`{"status":"pulling 6a0746a1ec1a","digest":"sha256:6a0746a1ec1a","total":100,"completed":25}`,
		``,
		`{"status":"pulling 6a0746a1ec1a","digest":"sha256:6a0746a1ec1a","total":100,"completed":100}`,
		`{"status":"verifying sha256 digest"}`,
		`{"status":"writing manifest"}`,
		`{"status":"removing any unused layers"}`,
		`{"status":"something new"}`,
		`{"status":"success"}`,
		`{"status":"ignored after success"}`,
	}
	c := startFake(t, f)

	s, err := c.PullModelStream(context.Background(), "llama3.2")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	var got []PullEvent
	for s.Next() {
		got = append(got, s.Event())
	}
	require.NoError(t, s.Err())
	var statuses []PullStatus
	for _, e := range got {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []PullStatus{
		PullingManifest, Downloading, Downloading, VerifyingDigest, WritingManifest,
		RemovingUnusedLayers, PullingManifest, Success,
	}, statuses)
	assert.Equal(t, "sha256:6a0746a1ec1a", got[1].Digest)
	assert.InDelta(t, 25.0, got[1].Percent(), 0.001)
	assert.InDelta(t, 100.0, got[2].Percent(), 0.001)
	assert.False(t, s.Next(), "stream is not restartable")
}

func TestPullModelStream_ErrorLine(t *testing.T) {
	f := newFakeBackend()
	f.pullResp = []string{`{"status":"pulling manifest"}`, `{"error":"pull model manifest: file does not exist"}`}
	c := startFake(t, f)

	var n int
	err := c.PullModel(context.Background(), "nope", func(PullEvent) { n++ })
	require.ErrorIs(t, err, ErrPullFailed)
	assert.Contains(t, err.Error(), "file does not exist")
	assert.Equal(t, 1, n)
}

func TestPullModelStream_Unparseable(t *testing.T) {
	f := newFakeBackend()
	f.pullResp = []string{`<html>`}
	c := startFake(t, f)
	err := c.PullModel(context.Background(), "x", nil)
	require.ErrorIs(t, err, ErrPullFailed)
}

func TestPullModelStream_EndsWithoutSuccess(t *testing.T) {
	f := newFakeBackend()
	f.pullResp = []string{`{"status":"pulling manifest"}`}
	c := startFake(t, f)
	err := c.PullModel(context.Background(), "x", nil)
	require.ErrorIs(t, err, ErrPullFailed)
}

func TestPullModelStream_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()
	_, err := New(Config{BaseURL: srv.URL}).PullModelStream(context.Background(), "x")
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Contains(t, ae.Body, "model not found")
}

func TestCreateModelFromLocalFile(t *testing.T) {
	f := newFakeBackend()
	c := startFake(t, f)
	content := append([]byte("GGUF"), []byte(strings.Repeat("x", 4096))...)
	path := writeModel(t, content)

	var progress []CreateProgress
	err := c.CreateModelFromLocalFile(context.Background(), "bundled:latest", path,
		WithCreateProgress(func(p CreateProgress) { progress = append(progress, p) }))
	require.NoError(t, err)

	digest := Digest(content)
	assert.Equal(t, []string{
		"GET /api/version",
		"POST /api/blobs/" + digest,
		"HEAD /api/blobs/" + digest,
		"POST /api/create",
	}, f.seen())
	assert.Equal(t, "bundled:latest", f.createReq.Model)
	assert.Equal(t, map[string]string{"model.gguf": digest}, f.createReq.Files)

	require.NotEmpty(t, progress)
	assert.Equal(t, StepDone, progress[len(progress)-1].Step)
	assert.InDelta(t, 100.0, progress[len(progress)-1].Percent, 0.001)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].Percent, progress[i-1].Percent, "progress must not go back")
	}
}

func TestCreateModelFromLocalFile_BadMagicMakesNoRequest(t *testing.T) {
	f := newFakeBackend()
	c := startFake(t, f)
	path := writeModel(t, []byte("NOPE and more bytes"))

	err := c.CreateModelFromLocalFile(context.Background(), "m", path)
	require.ErrorIs(t, err, ErrBadMagic)
	assert.Empty(t, f.seen())
}

func TestCreateModelFromLocalFile_ShortFile(t *testing.T) {
	f := newFakeBackend()
	c := startFake(t, f)
	err := c.CreateModelFromLocalFile(context.Background(), "m", writeModel(t, []byte("GG")))
	require.ErrorIs(t, err, ErrBadMagic)
	assert.Empty(t, f.seen())
}

func TestCreateModelFromLocalFile_VersionTooOld(t *testing.T) {
	f := newFakeBackend()
	f.version = "0.5.4"
	c := startFake(t, f)
	err := c.CreateModelFromLocalFile(context.Background(), "m", writeModel(t, []byte("GGUFdata")))
	require.ErrorIs(t, err, ErrVersionTooOld)
	assert.Equal(t, []string{"GET /api/version"}, f.seen())
}

func TestCreateModelFromLocalFile_BlobMissing(t *testing.T) {
	f := newFakeBackend()
	f.dropBlobs = true
	c := startFake(t, f)
	err := c.CreateModelFromLocalFile(context.Background(), "m", writeModel(t, []byte("GGUFdata")))
	require.ErrorIs(t, err, ErrBlobMissing)
	for _, r := range f.seen() {
		assert.NotEqual(t, "POST /api/create", r, "create must not run for a missing blob")
	}
	uploads := 0
	for _, r := range f.seen() {
		if strings.HasPrefix(r, "POST /api/blobs/") {
			uploads++
		}
	}
	assert.Equal(t, 1, uploads, "blob must not be re-uploaded")
}

func TestCreateModelFromLocalFile_LastStatusNotSuccess(t *testing.T) {
	f := newFakeBackend()
	f.createResp = []string{`{"status":"success"}`, `{"error":"unsupported architecture"}`}
	c := startFake(t, f)
	err := c.CreateModelFromLocalFile(context.Background(), "m", writeModel(t, []byte("GGUFdata")))
	require.ErrorIs(t, err, ErrCreateFailed)
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Contains(t, ae.Body, "unsupported architecture")
}

func TestVersionAtLeast(t *testing.T) {
	cases := []struct {
		have, want string
		ok         bool
	}{
		{"0.5.5", "0.5.5", true},
		{"0.5.7", "0.5.5", true},
		{"v0.10.0", "0.5.5", true},
		{"0.5.4", "0.5.5", false},
		{"0.5.5-rc1", "0.5.5", false},
		{"garbage", "0.5.5", false},
		{"", "0.5.5", false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s>=%s", tc.have, tc.want), func(t *testing.T) {
			assert.Equal(t, tc.ok, VersionAtLeast(tc.have, tc.want))
		})
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "llama3.2:latest", NormalizeName("llama3.2"))
	assert.Equal(t, "llama3.2:3b", NormalizeName(" llama3.2:3b "))
	assert.Equal(t, "", NormalizeName(""))
}
