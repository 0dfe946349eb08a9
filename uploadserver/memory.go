package uploadserver

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type memoryPart struct {
	etag string
	data []byte
}

type memoryUpload struct {
	key         string
	contentType string
	parts       map[int]memoryPart
}

// MemoryObject is a completed upload of a MemoryBackend.
type MemoryObject struct {
	ContentType string
	Data        []byte
}

// MemoryBackend keeps uploads in memory and accepts the part uploads itself,
// under /local/parts/<upload id>/<part number>. Used for local development and tests.
type MemoryBackend struct {
	mu      sync.Mutex
	baseURL string
	uploads map[string]*memoryUpload
	objects map[string]MemoryObject
}

// NewMemoryBackend ...
// baseURL is the address the server is reachable on, part URLs point to it.
func NewMemoryBackend(baseURL string) *MemoryBackend {
	return &MemoryBackend{
		baseURL: baseURL,
		uploads: map[string]*memoryUpload{},
		objects: map[string]MemoryObject{},
	}
}

// SetBaseURL ...
func (b *MemoryBackend) SetBaseURL(baseURL string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.baseURL = baseURL
}

// Object returns a completed upload.
func (b *MemoryBackend) Object(key string) (MemoryObject, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	object, ok := b.objects[key]
	return object, ok
}

// Objects returns the keys of the completed uploads, sorted.
func (b *MemoryBackend) Objects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := lo.Keys(b.objects)
	sort.Strings(keys)
	return keys
}

// Uploads returns the number of uploads in progress.
func (b *MemoryBackend) Uploads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uploads)
}

// CreateUpload ...
func (b *MemoryBackend) CreateUpload(_ context.Context, key, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	uploadID := uuid.NewString()
	b.uploads[uploadID] = &memoryUpload{
		key:         key,
		contentType: contentType,
		parts:       map[int]memoryPart{},
	}
	return uploadID, nil
}

// PresignPart ...
func (b *MemoryBackend) PresignPart(_ context.Context, key, uploadID string, partNumber int, expires time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.upload(key, uploadID); err != nil {
		return "", err
	}

	return fmt.Sprintf("%s/local/parts/%s/%d?expires=%d", b.baseURL, uploadID, partNumber, time.Now().Add(expires).Unix()), nil
}

// ListParts ...
func (b *MemoryBackend) ListParts(_ context.Context, key, uploadID string) ([]Part, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	upload, err := b.upload(key, uploadID)
	if err != nil {
		return nil, err
	}

	parts := lo.MapToSlice(upload.parts, func(partNumber int, part memoryPart) Part {
		return Part{PartNumber: partNumber, ETag: part.etag}
	})
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})
	return parts, nil
}

// CompleteUpload assembles the object from parts, which must be in ascending order and match the uploaded ETags.
func (b *MemoryBackend) CompleteUpload(_ context.Context, key, uploadID string, parts []Part) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	upload, err := b.upload(key, uploadID)
	if err != nil {
		return err
	}

	var data bytes.Buffer
	for i, part := range parts {
		if i > 0 && part.PartNumber <= parts[i-1].PartNumber {
			return fmt.Errorf("%w: part %d is out of order", ErrInvalidPart, part.PartNumber)
		}
		stored, ok := upload.parts[part.PartNumber]
		if !ok || stored.etag != part.ETag {
			return fmt.Errorf("%w: part %d", ErrInvalidPart, part.PartNumber)
		}
		data.Write(stored.data)
	}

	b.objects[key] = MemoryObject{ContentType: upload.contentType, Data: data.Bytes()}
	delete(b.uploads, uploadID)
	return nil
}

// AbortUpload ...
func (b *MemoryBackend) AbortUpload(_ context.Context, key, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.upload(key, uploadID); err != nil {
		return err
	}
	delete(b.uploads, uploadID)
	return nil
}

// RegisterRoutes ...
func (b *MemoryBackend) RegisterRoutes(r gin.IRouter) {
	r.PUT("/local/parts/:uploadId/:partNumber", b.putPart)
}

func (b *MemoryBackend) putPart(c *gin.Context) {
	partNumber, err := strconv.Atoi(c.Param("partNumber"))
	if err != nil || partNumber < 1 || partNumber > maxPartNumber {
		badRequest(c, "invalid part number")
		return
	}
	if expires, err := strconv.ParseInt(c.Query("expires"), 10, 64); err != nil || time.Now().Unix() > expires {
		c.JSON(http.StatusForbidden, gin.H{"error": "Request has expired"})
		return
	}

	data, err := c.GetRawData()
	if err != nil {
		badRequest(c, "failed to read body")
		return
	}

	etag := fmt.Sprintf("%q", fmt.Sprintf("%x", md5.Sum(data)))

	b.mu.Lock()
	upload, ok := b.uploads[c.Param("uploadId")]
	if ok {
		upload.parts[partNumber] = memoryPart{etag: etag, data: data}
	}
	b.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNoSuchUpload.Error()})
		return
	}

	c.Header("ETag", etag)
	c.Status(http.StatusOK)
}

func (b *MemoryBackend) upload(key, uploadID string) (*memoryUpload, error) {
	upload, ok := b.uploads[uploadID]
	if !ok || upload.key != key {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchUpload, uploadID)
	}
	return upload, nil
}
