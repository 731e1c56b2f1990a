package breadcrumb

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/souleimagara/crashcore/internal/model"
)

func TestRing_evictsOldestOnOverflow(t *testing.T) {
	r := NewRing()
	for i := 0; i < MaxBreadcrumbs+10; i++ {
		r.Add(model.Breadcrumb{Message: fmt.Sprintf("crumb-%d", i)})
	}

	snap := r.Snapshot()
	require.Len(t, snap, MaxBreadcrumbs)
	assert.Equal(t, "crumb-10", snap[0].Message)
	assert.Equal(t, fmt.Sprintf("crumb-%d", MaxBreadcrumbs+9), snap[len(snap)-1].Message)
}

func TestRing_insertionOrderPreserved(t *testing.T) {
	r := NewRing()
	r.Add(model.Breadcrumb{Message: "a"})
	r.Add(model.Breadcrumb{Message: "b"})
	r.Add(model.Breadcrumb{Message: "c"})

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{snap[0].Message, snap[1].Message, snap[2].Message})
}

func TestRing_concurrentAddsNeverPanic(t *testing.T) {
	r := NewRing()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Add(model.Breadcrumb{Message: fmt.Sprintf("c-%d", i)})
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, r.Len(), MaxBreadcrumbs)
}

func TestRing_Clear(t *testing.T) {
	r := NewRing()
	r.Add(model.Breadcrumb{Message: "x"})
	r.Clear()
	assert.Equal(t, 0, r.Len())
}

func TestContext_tagsAreBoundedAndCopied(t *testing.T) {
	c := NewContext()
	for i := 0; i < MaxTags+5; i++ {
		c.SetTag(fmt.Sprintf("k%d", i), "v")
	}
	tags, _ := c.Snapshot()
	assert.LessOrEqual(t, len(tags), MaxTags)

	tags["injected"] = "should not affect store"
	tags2, _ := c.Snapshot()
	_, present := tags2["injected"]
	assert.False(t, present)
}

func TestContext_environmentAndRemove(t *testing.T) {
	c := NewContext()
	c.SetEnvironment("production")
	c.SetTag("user", "alice")
	c.RemoveTag("user")

	tags, env := c.Snapshot()
	assert.Equal(t, "production", env)
	_, present := tags["user"]
	assert.False(t, present)
}
