package chunkuploader

import (
	"context"
	"sync"
)

// PauseController owns the cancellation token of the running transfer.
// Every run gets a fresh token, so a pause only affects the run it interrupted.
type PauseController struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	run     uint64
	paused  bool
	aborted bool
}

// NewPauseController ...
func NewPauseController() *PauseController {
	return &PauseController{}
}

// Begin issues the token of a new run and clears the pause and abort flags.
// The returned cancel func must be called when the run ends.
func (p *PauseController) Begin(parent context.Context) (context.Context, context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	p.run++
	run := p.run
	p.cancel = cancel
	p.paused = false
	p.aborted = false

	return ctx, func() {
		cancel()

		p.mu.Lock()
		defer p.mu.Unlock()
		// A newer run may already own the token.
		if p.run == run {
			p.cancel = nil
		}
	}
}

// Pause cancels the current run's token. Without a running transfer only the flag is set.
func (p *PauseController) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.paused = true
	if p.cancel != nil {
		p.cancel()
	}
}

// Abort cancels the current run's token and marks the upload as aborted.
func (p *PauseController) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.aborted = true
	if p.cancel != nil {
		p.cancel()
	}
}

// IsPaused ...
func (p *PauseController) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// IsAborted ...
func (p *PauseController) IsAborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}
