// Package breadcrumb implements the Breadcrumb / Context Ring (spec.md
// §4.2): a bounded, concurrent-safe FIFO of recent user-observable events,
// plus a sibling bounded key/value tag store and a single environment
// label.
//
// Grounded on the teacher's catrate/ring.go ring buffer (fixed capacity,
// overwrite-oldest insert), generalized from int64 to model.Breadcrumb.
// Unlike catrate's internal ring (which relies on an outer mutex owned by
// categoryData), this Ring is the outermost concurrent-safe object, so it
// owns its own mutex directly. See DESIGN.md.
package breadcrumb

import (
	"sync"

	"github.com/souleimagara/crashcore/internal/model"
)

const (
	// MaxBreadcrumbs is the hard cap named in spec.md §4.2.
	MaxBreadcrumbs = 100
	// MaxTags bounds the sibling key/value tag store.
	MaxTags = 64
)

// Ring is a bounded FIFO of breadcrumbs. Appends never block; once full,
// the oldest entry is evicted atomically with the new insert. The zero
// value is not usable; construct with NewRing.
type Ring struct {
	mu   sync.Mutex
	buf  []model.Breadcrumb
	head int // index of oldest element
	size int
}

// NewRing constructs a Ring bounded at MaxBreadcrumbs.
func NewRing() *Ring {
	return &Ring{buf: make([]model.Breadcrumb, MaxBreadcrumbs)}
}

// Add appends a breadcrumb, evicting the oldest if the ring is full.
func (r *Ring) Add(b model.Breadcrumb) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = b
		r.size++
		return
	}

	r.buf[r.head] = b
	r.head = (r.head + 1) % len(r.buf)
}

// Snapshot returns a copy of the ring's contents, oldest first.
func (r *Ring) Snapshot() []model.Breadcrumb {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Breadcrumb, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Len reports the current number of retained breadcrumbs.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Clear empties the ring. Used on Orchestrator shutdown.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.size = 0, 0
}

// Context holds a bounded set of custom key/value tags, plus a single
// environment label. All readers receive a copy, per spec.md §4.2.
type Context struct {
	mu          sync.RWMutex
	tags        map[string]string
	environment string
}

// NewContext constructs an empty Context.
func NewContext() *Context {
	return &Context{tags: make(map[string]string)}
}

// SetTag sets a tag, silently refusing to grow the map past MaxTags
// (existing keys may still be updated).
func (c *Context) SetTag(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tags[key]; !exists && len(c.tags) >= MaxTags {
		return
	}
	c.tags[key] = value
}

// RemoveTag deletes a tag, if present.
func (c *Context) RemoveTag(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tags, key)
}

// SetEnvironment sets the single environment label (e.g. "production").
func (c *Context) SetEnvironment(env string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.environment = env
}

// Snapshot returns a copy of the tags and the current environment label.
func (c *Context) Snapshot() (tags map[string]string, environment string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tags = make(map[string]string, len(c.tags))
	for k, v := range c.tags {
		tags[k] = v
	}
	return tags, c.environment
}

// Clear empties tags and the environment label. Used on Orchestrator
// shutdown.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = make(map[string]string)
	c.environment = ""
}
