package playback

import (
	"container/list"
	"sync"

	"github.com/example/workspace-sync/internal/document"
	"github.com/example/workspace-sync/internal/storage"
	"github.com/example/workspace-sync/internal/types"
)

// base identifies the archive a cached state was replayed from. States built
// on a superseded archive are never reused.
type base struct {
	ObjectPath string
	CreatedAt  int64
}

func baseOf(ref storage.ArchiveRef) base {
	return base{ObjectPath: ref.ObjectPath, CreatedAt: ref.CreatedAt.UnixNano()}
}

type cacheKey struct {
	Workspace types.WorkspaceID
	Base      base
	Seq       int64
}

// cacheEntry stores a replayed document for a particular log position.
type cacheEntry struct {
	Seq int64
	Doc document.Doc
}

type stateCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

type cacheItem struct {
	key   cacheKey
	entry cacheEntry
}

func newStateCache(capacity int) *stateCache {
	if capacity < 1 {
		capacity = 1
	}
	return &stateCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

// Get returns the cached state with the highest seq <= targetSeq built on b.
func (c *stateCache) Get(ws types.WorkspaceID, b base, targetSeq int64) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bestKey cacheKey
	var bestItem *list.Element

	for key, item := range c.items {
		if key.Workspace != ws || key.Base != b || key.Seq > targetSeq {
			continue
		}
		if bestItem == nil || key.Seq > bestKey.Seq {
			bestKey = key
			bestItem = item
		}
	}

	if bestItem == nil {
		cacheLookups.WithLabelValues("miss").Inc()
		return cacheEntry{}, false
	}

	cacheLookups.WithLabelValues("hit").Inc()
	c.ll.MoveToFront(bestItem)
	entry := bestItem.Value.(cacheItem).entry
	entry.Doc = entry.Doc.Clone()
	return entry, true
}

func (c *stateCache) Put(ws types.WorkspaceID, b base, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.Doc = entry.Doc.Clone()
	key := cacheKey{Workspace: ws, Base: b, Seq: entry.Seq}
	if element, ok := c.items[key]; ok {
		element.Value = cacheItem{key: key, entry: entry}
		c.ll.MoveToFront(element)
		return
	}

	element := c.ll.PushFront(cacheItem{key: key, entry: entry})
	c.items[key] = element

	if c.ll.Len() > c.capacity {
		if last := c.ll.Back(); last != nil {
			c.ll.Remove(last)
			delete(c.items, last.Value.(cacheItem).key)
		}
	}
}

func (c *stateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
