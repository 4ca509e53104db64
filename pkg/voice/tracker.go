package voice

import (
	"context"
	"sync"
	"time"
)

type guildUnit struct {
	id     uint64
	cancel context.CancelFunc
}

// workTracker owns every goroutine the manager starts. Per-guild units are
// keyed so that starting a new one cancels its predecessor.
type workTracker struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	units  map[string]guildUnit
	nextID uint64
	closed bool
}

func newWorkTracker() *workTracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &workTracker{
		ctx:    ctx,
		cancel: cancel,
		units:  make(map[string]guildUnit),
	}
}

// Go runs fn on a tracked goroutine. It returns false once shutdown has begun.
func (t *workTracker) Go(fn func(ctx context.Context)) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		fn(t.ctx)
	}()
	return true
}

// GoGuild runs fn as the guild's single recovery unit, cancelling any unit
// already running for that guild.
func (t *workTracker) GoGuild(guildID string, fn func(ctx context.Context)) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	if prev, ok := t.units[guildID]; ok {
		prev.cancel()
	}
	t.nextID++
	id := t.nextID
	ctx, cancel := context.WithCancel(t.ctx)
	t.units[guildID] = guildUnit{id: id, cancel: cancel}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer t.release(guildID, id)
		fn(ctx)
	}()
	return true
}

func (t *workTracker) release(guildID string, id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if unit, ok := t.units[guildID]; ok && unit.id == id {
		unit.cancel()
		delete(t.units, guildID)
	}
}

// CancelGuild cancels the guild's recovery unit, if any
func (t *workTracker) CancelGuild(guildID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if unit, ok := t.units[guildID]; ok {
		unit.cancel()
		delete(t.units, guildID)
	}
}

// Active returns the number of guilds with a recovery unit in flight
func (t *workTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.units)
}

// Shutdown cancels all work and waits for it up to grace or until ctx is done.
// Units still running after that are abandoned and ErrShutdownTimeout is returned.
func (t *workTracker) Shutdown(ctx context.Context, grace time.Duration) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.cancel()
	for _, unit := range t.units {
		unit.cancel()
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		err = ErrShutdownTimeout
	case <-ctx.Done():
		err = ErrShutdownTimeout
	}

	t.mu.Lock()
	t.units = make(map[string]guildUnit)
	t.mu.Unlock()

	return err
}
