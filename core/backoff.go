package core

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// respawnStabilizeWindow is how long a freshly spawned replacement must
// keep running without crashing again before its slot's consecutive-crash
// count resets to zero.
const respawnStabilizeWindow = 30 * time.Second

// respawner replaces crashed workers, backing off repeated immediate
// failures per RetryPolicy and collapsing concurrent replacement attempts
// for the same slot into one in-flight call via singleflight — a crash
// storm on one worker shouldn't spawn N racing replacements. attempts is
// keyed by a Pool slot identity (WorkerHandle.slotKey, minted by
// Pool.newSlotKey), not by
// *WorkerHandle, since every replacement is a distinct handle: keying by
// handle would silently reset the streak to zero on every crash and the
// backoff would never escalate.
type respawner struct {
	policy RetryPolicy

	mu       sync.Mutex
	attempts map[string]int
	settle   map[string]*time.Timer

	group singleflight.Group
}

func newRespawner(policy RetryPolicy) *respawner {
	return &respawner{
		policy:   policy,
		attempts: make(map[string]int),
		settle:   make(map[string]*time.Timer),
	}
}

// Replace runs spawn after waiting out the backoff delay for key's
// consecutive-crash count, then arms a stabilization timer that clears the
// count once the replacement survives respawnStabilizeWindow without
// crashing again. key identifies the pool slot being replaced, stable
// across repeated replacements, so concurrent calls for the same slot
// collapse into one spawn.
func (r *respawner) Replace(key string, spawn func() (*WorkerHandle, error)) (*WorkerHandle, error) {
	r.mu.Lock()
	attempt := r.attempts[key]
	r.mu.Unlock()

	if d := r.policy.calculateDelay(attempt); d > 0 {
		time.Sleep(d)
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		return spawn()
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if t := r.settle[key]; t != nil {
		t.Stop()
	}
	r.settle[key] = time.AfterFunc(respawnStabilizeWindow, func() { r.clear(key) })
	r.mu.Unlock()

	return v.(*WorkerHandle), nil
}

// NoteCrash records that the worker occupying key crashed, escalating the
// delay the next Replace for that slot backs off by. Any pending
// stabilization timer is cancelled, so a crash shortly after a
// replacement counts toward the same streak instead of starting fresh.
func (r *respawner) NoteCrash(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.settle[key]; t != nil {
		t.Stop()
		delete(r.settle, key)
	}
	r.attempts[key]++
}

// forget drops key's crash streak immediately, for a slot that will never
// be replaced again (Pool decided not to respawn it).
func (r *respawner) forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.settle[key]; t != nil {
		t.Stop()
	}
	delete(r.settle, key)
	delete(r.attempts, key)
}

func (r *respawner) clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
	delete(r.settle, key)
}
