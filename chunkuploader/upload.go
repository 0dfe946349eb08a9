package chunkuploader

import (
	"sort"
	"sync"
	"time"
)

// uploadContext is the state of a single upload: what is uploaded, where, and which parts are done.
type uploadContext struct {
	target  UploadTarget
	source  ChunkSource
	session RemoteSession
	plan    []ChunkDescriptor

	progress *ProgressTracker

	mu        sync.Mutex
	completed map[int]CompletedPart
}

func newUploadContext(target UploadTarget, source ChunkSource, plan []ChunkDescriptor, sampleInterval time.Duration) *uploadContext {
	return &uploadContext{
		target:    target,
		source:    source,
		plan:      plan,
		progress:  NewProgressTracker(target.FileSize, len(plan), sampleInterval),
		completed: map[int]CompletedPart{},
	}
}

// seed adopts the parts the storage already has. Parts outside the plan or without an ETag are ignored.
func (u *uploadContext) seed(parts []CompletedPart) int {
	u.mu.Lock()
	defer u.mu.Unlock()

	var bytes int64
	for _, part := range parts {
		if part.PartNumber < 1 || part.PartNumber > len(u.plan) || part.ETag == "" {
			continue
		}
		if _, ok := u.completed[part.PartNumber]; ok {
			continue
		}
		u.completed[part.PartNumber] = part
		bytes += u.plan[part.PartNumber-1].Size()
	}

	u.progress.Seed(bytes, len(u.completed))
	return len(u.completed)
}

// record marks a part done. Recording a part twice doesn't count its bytes twice.
func (u *uploadContext) record(part CompletedPart) ProgressSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.completed[part.PartNumber]; ok {
		u.completed[part.PartNumber] = part
		return u.progress.Snapshot()
	}
	u.completed[part.PartNumber] = part
	return u.progress.PartDone(u.plan[part.PartNumber-1].Size())
}

// missing returns the planned chunks without a completed part, in part number order.
func (u *uploadContext) missing() []ChunkDescriptor {
	u.mu.Lock()
	defer u.mu.Unlock()

	var chunks []ChunkDescriptor
	for _, d := range u.plan {
		if _, ok := u.completed[d.PartNumber]; !ok {
			chunks = append(chunks, d)
		}
	}
	return chunks
}

func (u *uploadContext) completedCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.completed)
}

// sortedParts ...
func (u *uploadContext) sortedParts() []CompletedPart {
	u.mu.Lock()
	defer u.mu.Unlock()

	parts := make([]CompletedPart, 0, len(u.completed))
	for _, part := range u.completed {
		parts = append(parts, part)
	}
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})
	return parts
}
