// Package task runs the long-lived goroutines of a process as a unit.
package task

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Group runs named functions concurrently and waits on them collectively.
// The first function to fail cancels the Group Context, and functions are
// expected to return promptly once it's Done. Functions may be queued before
// or after GoRun: those queued afterwards start immediately.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	mu      sync.Mutex
	pending []namedFn
	started bool
}

type namedFn struct {
	name string
	fn   func() error
}

// NewGroup returns an empty Group, which is cancelled with |ctx|.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, cancel: cancel, eg: eg}
}

// Context of the Group. It's cancelled upon the first failed function,
// a call to Cancel, or cancellation of the parent Context.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group Context.
func (g *Group) Cancel() { g.cancel() }

// Queue |fn| under |name|. Errors returned by |fn| are prefixed by |name|.
func (g *Group) Queue(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var nf = namedFn{name: name, fn: fn}
	if g.started {
		g.start(nf)
	} else {
		g.pending = append(g.pending, nf)
	}
}

// GoRun starts all queued functions. It panics if called more than once.
func (g *Group) GoRun() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		panic("GoRun already called")
	}
	g.started = true

	for _, nf := range g.pending {
		g.start(nf)
	}
	g.pending = nil
}

// Wait for all started functions to return, returning the first error.
// It panics if GoRun hasn't been called.
func (g *Group) Wait() error {
	g.mu.Lock()
	var started = g.started
	g.mu.Unlock()

	if !started {
		panic("Wait called before GoRun")
	}
	var err = g.eg.Wait()
	g.cancel()
	return err
}

func (g *Group) start(nf namedFn) {
	g.eg.Go(func() error {
		log.WithField("task", nf.name).Debug("task started")

		if err := nf.fn(); err != nil {
			return errors.WithMessage(err, nf.name)
		}
		log.WithField("task", nf.name).Debug("task finished")
		return nil
	})
}
