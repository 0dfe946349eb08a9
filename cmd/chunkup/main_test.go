package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/session"
	"github.com/bitrise-io/go-chunkupload/stepconf"
	"github.com/bitrise-io/go-chunkupload/uploadserver"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnv map[string]string

func (e fakeEnv) Get(key string) string {
	return e[key]
}

func writeFile(t *testing.T, path string, data []byte) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestRun_Usage(t *testing.T) {
	parser := stepconf.NewInputParser(fakeEnv{})
	logger := log.NewLogger()

	for _, args := range [][]string{nil, {"upload"}, {"abort"}, {"abort", "a", "b"}} {
		assert.ErrorIs(t, run(context.Background(), args, parser, logger), errUsage)
	}

	err := run(context.Background(), []string{"download"}, parser, logger)
	assert.EqualError(t, err, "unknown command: download\n"+usage)
}

func TestParseUploadConfig(t *testing.T) {
	sessionDir := t.TempDir()

	tests := []struct {
		name    string
		env     fakeEnv
		want    func(cfg *uploadConfig)
		wantErr string
	}{
		{
			name: "Defaults",
			env:  fakeEnv{"CHUNKUP_SESSION_DIR": sessionDir},
			want: func(cfg *uploadConfig) {
				cfg.SessionDir = sessionDir
			},
		},
		{
			name: "Overrides",
			env: fakeEnv{
				"CHUNKUP_SERVER_URL":     "https://uploads.example.com",
				"CHUNKUP_CHUNK_SIZE":     "5MiB",
				"CHUNKUP_CONCURRENCY":    "3",
				"CHUNKUP_HUNG_THRESHOLD": "0s",
				"CHUNKUP_SESSION_STORE":  "redis",
				"CHUNKUP_REDIS_URL":      "redis://localhost:6379/0",
			},
			want: func(cfg *uploadConfig) {
				cfg.ServerURL = "https://uploads.example.com"
				cfg.ChunkSize = 5 * 1024 * 1024
				cfg.Concurrency = 3
				cfg.HungThreshold = 0
				cfg.SessionStore = storeRedis
				cfg.RedisURL = "redis://localhost:6379/0"
			},
		},
		{
			name:    "Redis store without url",
			env:     fakeEnv{"CHUNKUP_SESSION_STORE": "redis"},
			wantErr: "CHUNKUP_REDIS_URL is required for the redis session store",
		},
		{
			name:    "DynamoDB store without table",
			env:     fakeEnv{"CHUNKUP_SESSION_STORE": "dynamodb"},
			wantErr: "CHUNKUP_DYNAMODB_TABLE is required for the dynamodb session store",
		},
		{
			name:    "Unknown store",
			env:     fakeEnv{"CHUNKUP_SESSION_STORE": "s3"},
			wantErr: "unknown session store: s3 (options: file, redis, dynamodb)",
		},
		{
			name:    "Invalid chunk size",
			env:     fakeEnv{"CHUNKUP_CHUNK_SIZE": "big"},
			wantErr: "failed to parse config:\n- ChunkSize: big: can't convert to byte size",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseUploadConfig(stepconf.NewInputParser(tt.env), pathutil.NewPathModifier())

			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			want := defaultUploadConfig()
			tt.want(&want)
			assert.Equal(t, want, cfg)
		})
	}
}

func TestParseUploadConfig_DefaultServerURL(t *testing.T) {
	cfg, err := parseUploadConfig(stepconf.NewInputParser(fakeEnv{"CHUNKUP_SESSION_DIR": t.TempDir()}), pathutil.NewPathModifier())
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5000", cfg.ServerURL)
}

func TestParseServerConfig(t *testing.T) {
	_, err := parseServerConfig(stepconf.NewInputParser(fakeEnv{}))
	assert.EqualError(t, err, "AWS_BUCKET is required for the s3 backend")

	cfg, err := parseServerConfig(stepconf.NewInputParser(fakeEnv{
		"CHUNKUP_BACKEND":         "memory",
		"CHUNKUP_PART_URL_EXPIRY": "10m",
	}))
	require.NoError(t, err)
	assert.Equal(t, backendMemory, cfg.Backend)
	assert.Equal(t, 10*time.Minute, cfg.PartURLExpiry)
	assert.Equal(t, ":5000", cfg.Addr)

	_, err = parseServerConfig(stepconf.NewInputParser(fakeEnv{"CHUNKUP_BACKEND": "gcs"}))
	assert.EqualError(t, err, "unknown backend: gcs (options: s3, memory)")
}

func TestPathEvaluator(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.mp4"), []byte("a"))
	writeFile(t, filepath.Join(dir, "b.mp4"), []byte("b"))
	writeFile(t, filepath.Join(dir, "notes.txt"), []byte("c"))
	writeFile(t, filepath.Join(dir, "nested", "c.mp4"), []byte("d"))

	evaluator := pathEvaluator{pathModifier: pathutil.NewPathModifier(), logger: log.NewLogger()}

	paths, err := evaluator.evaluate([]string{
		filepath.Join(dir, "**", "*.mp4"),
		filepath.Join(dir, "notes.txt"),
		filepath.Join(dir, "a.mp4"),
		filepath.Join(dir, "*.mov"),
		filepath.Join(dir, "nested"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.mp4"),
		filepath.Join(dir, "b.mp4"),
		filepath.Join(dir, "nested", "c.mp4"),
		filepath.Join(dir, "notes.txt"),
	}, paths)

	_, err = evaluator.evaluate([]string{filepath.Join(dir, "missing.mp4")})
	assert.EqualError(t, err, "file doesn't exist: "+filepath.Join(dir, "missing.mp4"))
}

func TestDetectContentType(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "image")
	writeFile(t, png, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	text := filepath.Join(dir, "notes")
	writeFile(t, text, []byte("plain text"))

	logger := log.NewLogger()
	assert.Equal(t, "image/png", detectContentType(png, logger))
	assert.True(t, strings.HasPrefix(detectContentType(text, logger), "text/plain"))
	assert.Equal(t, fallbackContentType, detectContentType(filepath.Join(dir, "missing"), logger))
}

func TestRun_UploadAndAbort(t *testing.T) {
	backend := uploadserver.NewMemoryBackend("")
	server := httptest.NewServer(uploadserver.NewServer(backend, uploadserver.Config{}, log.NewLogger()).Handler())
	defer server.Close()
	backend.SetBaseURL(server.URL)

	dir := t.TempDir()
	data := bytes.Repeat([]byte("0123456789"), 3)
	path := filepath.Join(dir, "clip.bin")
	writeFile(t, path, data)

	sessionDir := t.TempDir()
	parser := stepconf.NewInputParser(fakeEnv{
		"CHUNKUP_SERVER_URL":  server.URL,
		"CHUNKUP_SESSION_DIR": sessionDir,
		"CHUNKUP_CHUNK_SIZE":  "8b",
	})

	require.NoError(t, run(context.Background(), []string{"upload", path}, parser, log.NewLogger()))
	assert.Equal(t, 0, backend.Uploads())
	keys := backend.Objects()
	require.Len(t, keys, 1)
	assert.Regexp(t, `^videos/\d+-clip\.bin$`, keys[0])
	object, _ := backend.Object(keys[0])
	assert.Equal(t, data, object.Data)
	assert.NoFileExists(t, filepath.Join(sessionDir, session.SlotKey+".json"))

	// Leave a session behind, then abort it.
	store := session.NewFileStore(sessionDir, log.NewLogger())
	uploadID, err := backend.CreateUpload(context.Background(), "videos/1-clip.bin", "application/octet-stream")
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(),
		session.Target{FileName: "clip.bin", FileSize: int64(len(data))},
		session.Session{UploadID: uploadID, Key: "videos/1-clip.bin"}))

	require.NoError(t, run(context.Background(), []string{"abort", path}, parser, log.NewLogger()))
	assert.Equal(t, 0, backend.Uploads())
	assert.NoFileExists(t, store.Path())
}
