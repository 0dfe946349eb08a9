package chunkuploader

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type storedPart struct {
	etag string
	data []byte
}

// fakeStorage is an in-memory Collaborator with an HTTP endpoint for the part uploads.
type fakeStorage struct {
	server *httptest.Server

	mu          sync.Mutex
	nextID      int
	sessions    map[string]map[int]storedPart
	keys        map[string]string
	objects     map[string][]byte
	startCount  int
	urlRequests map[int]int
	putAttempts map[int]int
	// failPuts is the number of failing PUTs left per part, -1 fails forever.
	failPuts    map[int]int
	beforePut   func(partNumber int, w http.ResponseWriter, r *http.Request) bool
	completed   [][]CompletedPart
	aborted     []string
	completeErr error
	// completeLost completes the upload but fails the call, as if the response was lost.
	completeLost bool

	// released is closed before the server is, to end the requests held by hang.
	released chan struct{}

	inFlight    int
	maxInFlight int
}

func newFakeStorage(t *testing.T) *fakeStorage {
	f := &fakeStorage{
		sessions:    map[string]map[int]storedPart{},
		keys:        map[string]string{},
		objects:     map[string][]byte{},
		urlRequests: map[int]int{},
		putAttempts: map[int]int{},
		failPuts:    map[int]int{},
		released:    make(chan struct{}),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handlePut))
	t.Cleanup(f.server.Close)
	t.Cleanup(func() { close(f.released) })
	return f
}

// hang holds a part upload until the client goes away.
func (f *fakeStorage) hang(r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-f.released:
	}
}

func (f *fakeStorage) handlePut(w http.ResponseWriter, r *http.Request) {
	// /parts/<upload id>/<part number>
	segments := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if r.Method != http.MethodPut || len(segments) != 3 || segments[0] != "parts" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	uploadID := segments[1]
	partNumber, err := strconv.Atoi(segments[2])
	if err != nil {
		http.Error(w, "invalid part number", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.putAttempts[partNumber]++
	hook := f.beforePut
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	// The body is read first, the server notices a cancelled request only afterwards.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if hook != nil && !hook(partNumber, w, r) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if left := f.failPuts[partNumber]; left != 0 {
		if left > 0 {
			f.failPuts[partNumber]--
		}
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}

	parts, ok := f.sessions[uploadID]
	if !ok {
		http.Error(w, "no such upload", http.StatusNotFound)
		return
	}

	etag := fmt.Sprintf("%q", fmt.Sprintf("%x", md5.Sum(body)))
	parts[partNumber] = storedPart{etag: etag, data: body}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeStorage) StartSession(_ context.Context, fileName, _ string) (RemoteSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.startCount++
	f.nextID++
	s := RemoteSession{
		UploadID: fmt.Sprintf("upload-%d", f.nextID),
		Key:      fmt.Sprintf("videos/%d-%s", f.nextID, fileName),
	}
	f.sessions[s.UploadID] = map[int]storedPart{}
	f.keys[s.UploadID] = s.Key
	return s, nil
}

func (f *fakeStorage) PartURL(_ context.Context, s RemoteSession, partNumber int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.urlRequests[partNumber]++
	return fmt.Sprintf("%s/parts/%s/%d", f.server.URL, s.UploadID, partNumber), nil
}

func (f *fakeStorage) ListParts(_ context.Context, s RemoteSession) ([]CompletedPart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts, ok := f.sessions[s.UploadID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sortedStoredParts(parts), nil
}

func (f *fakeStorage) Complete(_ context.Context, s RemoteSession, parts []CompletedPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.completed = append(f.completed, parts)
	if f.completeErr != nil {
		return f.completeErr
	}

	stored, ok := f.sessions[s.UploadID]
	if !ok {
		return ErrSessionNotFound
	}

	var object bytes.Buffer
	for _, part := range parts {
		p, ok := stored[part.PartNumber]
		if !ok || p.etag != part.ETag {
			return fmt.Errorf("invalid part %d", part.PartNumber)
		}
		object.Write(p.data)
	}

	f.objects[s.Key] = object.Bytes()
	delete(f.sessions, s.UploadID)

	if f.completeLost {
		return errors.New("read response: connection reset by peer")
	}
	return nil
}

func (f *fakeStorage) Abort(_ context.Context, s RemoteSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.aborted = append(f.aborted, s.UploadID)
	if _, ok := f.sessions[s.UploadID]; !ok {
		return ErrSessionNotFound
	}
	delete(f.sessions, s.UploadID)
	return nil
}

// putPart stores a part as if it was uploaded by an earlier run.
func (f *fakeStorage) putPart(uploadID string, partNumber int, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	etag := fmt.Sprintf("%q", fmt.Sprintf("%x", md5.Sum(data)))
	f.sessions[uploadID][partNumber] = storedPart{etag: etag, data: data}
}

func (f *fakeStorage) setBeforePut(hook func(partNumber int, w http.ResponseWriter, r *http.Request) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforePut = hook
}

func (f *fakeStorage) setFailPuts(partNumber, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPuts[partNumber] = count
}

func (f *fakeStorage) partNumbers(uploadID string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var numbers []int
	for _, part := range sortedStoredParts(f.sessions[uploadID]) {
		numbers = append(numbers, part.PartNumber)
	}
	return numbers
}

func (f *fakeStorage) urlRequestCount(partNumber int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.urlRequests[partNumber]
}

func (f *fakeStorage) putAttemptCount(partNumber int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putAttempts[partNumber]
}

func (f *fakeStorage) peakInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *fakeStorage) object(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

func sortedStoredParts(stored map[int]storedPart) []CompletedPart {
	parts := make([]CompletedPart, 0, len(stored))
	for n, p := range stored {
		parts = append(parts, CompletedPart{PartNumber: n, ETag: p.etag})
	}
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})
	return parts
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
