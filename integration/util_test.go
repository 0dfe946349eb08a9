package integration

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/uploadserver"
	"github.com/bitrise-io/go-utils/v2/log"
)

var logger = log.NewLogger()

func checksumOf(bytes []byte) string {
	hash := sha256.New()
	hash.Write(bytes)
	return hex.EncodeToString(hash.Sum(nil))
}

// uploadServer is the upload API with the in-memory backend, recording the part uploads it receives.
type uploadServer struct {
	*httptest.Server
	backend *uploadserver.MemoryBackend

	mu        sync.Mutex
	partPuts  []string
	failParts map[string]int
}

func newUploadServer(t *testing.T) *uploadServer {
	backend := uploadserver.NewMemoryBackend("")
	handler := uploadserver.NewServer(backend, uploadserver.Config{}, logger).Handler()

	s := &uploadServer{backend: backend, failParts: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/local/parts/") {
			partNumber := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			if s.recordPut(partNumber) {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	backend.SetBaseURL(s.URL)

	return s
}

// failPart makes the next n uploads of the part fail.
func (s *uploadServer) failPart(partNumber string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failParts[partNumber] = n
}

func (s *uploadServer) recordPut(partNumber string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.partPuts = append(s.partPuts, partNumber)
	if s.failParts[partNumber] > 0 {
		s.failParts[partNumber]--
		return true
	}
	return false
}

func (s *uploadServer) puts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.partPuts...)
}

// object returns the data of the only completed upload.
func (s *uploadServer) object(t *testing.T) uploadserver.MemoryObject {
	keys := s.backend.Objects()
	if len(keys) != 1 {
		t.Fatalf("expected 1 object, got %v", keys)
	}
	object, _ := s.backend.Object(keys[0])
	return object
}

// pausingSource pauses the orchestrator when the given part is read.
type pausingSource struct {
	chunkuploader.ChunkSource
	pauseAt      int
	orchestrator *chunkuploader.Orchestrator
	once         sync.Once
}

func (s *pausingSource) ReadChunk(d chunkuploader.ChunkDescriptor) ([]byte, error) {
	if d.PartNumber == s.pauseAt {
		s.once.Do(s.orchestrator.Pause)
	}
	return s.ChunkSource.ReadChunk(d)
}
