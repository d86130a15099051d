package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunked-upload/status"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envRepository struct {
	envVars map[string]string
}

func (repo envRepository) Get(key string) string {
	return repo.envVars[key]
}

func (repo envRepository) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo envRepository) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo envRepository) List() []string {
	var values []string
	for k, v := range repo.envVars {
		values = append(values, k+"="+v)
	}
	return values
}

func writeFile(t *testing.T, pth string, content []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(pth), 0o755))
	require.NoError(t, os.WriteFile(pth, content, 0o600))
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    target
		wantErr bool
	}{
		{name: "s3 key", raw: "s3://uploads/videos/a.mp4", want: target{scheme: "s3", bucket: "uploads", key: "videos/a.mp4"}},
		{name: "s3 prefix", raw: "s3://uploads/videos/", want: target{scheme: "s3", bucket: "uploads", key: "videos/"}},
		{name: "mem", raw: "mem://dry", want: target{scheme: "mem", bucket: "dry"}},
		{name: "s3 without bucket", raw: "s3:///key", wantErr: true},
		{name: "unsupported scheme", raw: "gs://bucket/key", wantErr: true},
		{name: "plain path", raw: "/tmp/out", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTarget(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTarget_KeyFor(t *testing.T) {
	prefix := target{scheme: "s3", bucket: "b", key: "videos/"}
	key, err := prefix.keyFor("a.mp4", true)
	require.NoError(t, err)
	assert.Equal(t, "videos/a.mp4", key)

	single := target{scheme: "s3", bucket: "b", key: "videos/final.mp4"}
	key, err = single.keyFor("a.mp4", false)
	require.NoError(t, err)
	assert.Equal(t, "videos/final.mp4", key)

	_, err = single.keyFor("a.mp4", true)
	assert.Error(t, err)
}

func TestParseMetadata(t *testing.T) {
	metadata, err := parseMetadata([]string{"owner=user-1", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"owner": "user-1", "note": "a=b"}, metadata)

	metadata, err = parseMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, metadata)

	_, err = parseMetadata([]string{"novalue"})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid", modify: func(c *Config) {}},
		{name: "missing target", modify: func(c *Config) { c.Target = "" }, wantErr: "target must not be empty"},
		{name: "http without url", modify: func(c *Config) { c.StatusBackend = statusHTTP }, wantErr: "status backend http needs a status URL"},
		{name: "journal without path", modify: func(c *Config) { c.StatusBackend = statusJournal }, wantErr: "status backend journal needs a journal path"},
		{name: "unknown backend", modify: func(c *Config) { c.StatusBackend = "kafka" }, wantErr: "unknown status backend: kafka"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Target = "mem://dry"
			tt.modify(&cfg)

			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.EqualError(t, err, tt.wantErr)
			}
		})
	}
}

func TestSourceResolver_Glob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.bin"), []byte("a"))
	writeFile(t, filepath.Join(dir, "nested", "b.bin"), []byte("b"))
	writeFile(t, filepath.Join(dir, "nested", "c.txt"), []byte("c"))

	resolver := newSourceResolver(log.NewLogger(), nil)
	paths, err := resolver.resolve(context.Background(), []string{filepath.Join(dir, "**", "*.bin")})

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{filepath.Join(dir, "a.bin"), filepath.Join(dir, "nested", "b.bin")}, paths)
}

func TestSourceResolver_Errors(t *testing.T) {
	dir := t.TempDir()
	resolver := newSourceResolver(log.NewLogger(), nil)

	_, err := resolver.resolve(context.Background(), []string{filepath.Join(dir, "missing.bin")})
	assert.Error(t, err)

	_, err = resolver.resolve(context.Background(), []string{dir})
	assert.EqualError(t, err, "no source files to upload")
}

func TestSourceResolver_Download(t *testing.T) {
	content := bytes.Repeat([]byte("remote source "), 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "video.mp4", time.Now(), bytes.NewReader(content))
	}))
	defer server.Close()

	resolver := newSourceResolver(log.NewLogger(), server.Client())
	paths, err := resolver.resolve(context.Background(), []string{server.URL + "/media/video.mp4"})

	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "video.mp4", filepath.Base(paths[0]))
	downloaded, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, content, downloaded)
}

type controlCall struct {
	op         string
	trackingID string
}

type fakeController struct {
	mu    sync.Mutex
	calls []controlCall
}

func (c *fakeController) record(op, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, controlCall{op: op, trackingID: id})
}

func (c *fakeController) Pause(id string)  { c.record("pause", id) }
func (c *fakeController) Resume(id string) { c.record("resume", id) }
func (c *fakeController) Cancel(_ context.Context, id string) error {
	c.record("cancel", id)
	return nil
}

func TestSignalHandler(t *testing.T) {
	ctl := &fakeController{}
	h := newSignalHandler(ctl, log.NewLogger())
	ctx := context.Background()

	h.handle(ctx, os.Interrupt)
	assert.Empty(t, ctl.calls, "no upload is tracked")
	assert.True(t, h.isCancelled())

	h = newSignalHandler(ctl, log.NewLogger())
	h.track("upload-1")
	h.handle(ctx, pauseSignal)
	h.handle(ctx, resumeSignal)
	assert.False(t, h.isCancelled())
	h.handle(ctx, os.Interrupt)

	want := []controlCall{{"pause", "upload-1"}, {"resume", "upload-1"}, {"cancel", "upload-1"}}
	if resumeSignal == nil {
		// Without user signals both nil signals pause.
		want = []controlCall{{"pause", "upload-1"}, {"pause", "upload-1"}, {"cancel", "upload-1"}}
	}
	assert.Equal(t, want, ctl.calls)
	assert.True(t, h.isCancelled())
}

type fakeDownloader struct {
	content []byte
}

func (d fakeDownloader) Name() string { return "videos/a.mp4" }

func (d fakeDownloader) Download(_ context.Context, w io.WriterAt) (int64, error) {
	n, err := w.WriteAt(d.content, 0)
	return int64(n), err
}

func TestVerify(t *testing.T) {
	local := filepath.Join(t.TempDir(), "a.mp4")
	writeFile(t, local, []byte("chunked content"))

	err := verify(context.Background(), log.NewLogger(), fakeDownloader{content: []byte("chunked content")}, local)
	assert.NoError(t, err)

	err = verify(context.Background(), log.NewLogger(), fakeDownloader{content: []byte("chunked c0ntent")}, local)
	assert.ErrorContains(t, err, "does not match")
}

func TestUploadCmd_DryRun(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "source.bin")
	writeFile(t, source, bytes.Repeat([]byte("0123456789"), 500))
	journalPath := filepath.Join(dir, "status.journal")

	repo := envRepository{envVars: map[string]string{
		"CHUNKED_UPLOAD_TARGET":         "s3://ignored/",
		"CHUNKED_UPLOAD_CHUNK_SIZE":     "1KiB",
		"CHUNKED_UPLOAD_STATUS_BACKEND": "journal",
		"CHUNKED_UPLOAD_JOURNAL_PATH":   journalPath,
	}}

	cmd := newRootCmd(log.NewLogger(), repo)
	cmd.SetArgs([]string{"upload", source, "--target", "mem://dry/", "--tracking-id", "dry-1", "--metadata", "owner=user-1"})

	require.NoError(t, cmd.Execute())

	entries, err := status.ReadJournal(journalPath)
	require.NoError(t, err)
	latest := status.Latest(entries)
	require.Contains(t, latest, "dry-1")
	assert.Equal(t, status.Complete, latest["dry-1"].Status)
	assert.Equal(t, "mem://dry/source.bin", latest["dry-1"].FileURL)

	var seen []status.Status
	for _, e := range entries {
		seen = append(seen, e.Record.Status)
	}
	assert.Equal(t, []status.Status{status.Initializing, status.Processing, status.Complete}, seen)
}

func TestUploadCmd_EmptyEnv(t *testing.T) {
	source := filepath.Join(t.TempDir(), "source.bin")
	writeFile(t, source, bytes.Repeat([]byte("0123456789"), 300))

	cmd := newRootCmd(log.NewLogger(), envRepository{envVars: map[string]string{}})
	cmd.SetArgs([]string{"upload", source, "--target", "mem://dry/", "--chunk-size", "1KiB"})

	require.NoError(t, cmd.Execute())
}

func TestUploadCmd_StatusBackendFlag(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "source.bin")
	writeFile(t, source, bytes.Repeat([]byte("0123456789"), 300))
	journalPath := filepath.Join(dir, "status.journal")

	cmd := newRootCmd(log.NewLogger(), envRepository{envVars: map[string]string{}})
	cmd.SetArgs([]string{"upload", source, "--target", "mem://dry/", "--chunk-size", "1KiB",
		"--tracking-id", "flags-1", "--status-backend", "journal", "--journal", journalPath})

	require.NoError(t, cmd.Execute())

	entries, err := status.ReadJournal(journalPath)
	require.NoError(t, err)
	assert.Equal(t, status.Complete, status.Latest(entries)["flags-1"].Status)
}

func TestUploadCmd_InvalidEnv(t *testing.T) {
	repo := envRepository{envVars: map[string]string{
		"CHUNKED_UPLOAD_MAX_RETRIES": "many",
	}}

	cmd := newRootCmd(log.NewLogger(), repo)
	cmd.SetArgs([]string{"upload", "file.bin", "--target", "mem://dry"})

	err := cmd.Execute()
	assert.ErrorContains(t, err, "CHUNKED_UPLOAD_MAX_RETRIES")
}
