// Package notescache keeps one live mirror of every non-deleted note summary,
// shared by all consumers (sidebar, search fallback, watch sockets) instead
// of each holding its own backend subscription.
package notescache

import (
	"log"
	"sync"

	"partyjournal/api/internal/docstore"
	"partyjournal/api/internal/notes"
)

// Source is the slice of the notes service the cache subscribes through.
type Source interface {
	SubscribeAll(fn func([]notes.Note)) (docstore.Unsubscribe, error)
}

// Cache mirrors note summaries from one shared subscription. Mutated only by
// its own subscription callback; read by everyone else.
type Cache struct {
	source Source

	mu          sync.Mutex
	byID        map[string]notes.NoteInfo
	order       []string
	subs        map[int]func([]notes.NoteInfo)
	nextSub     int
	unsubscribe docstore.Unsubscribe
}

func New(source Source) *Cache {
	return &Cache{
		source: source,
		byID:   make(map[string]notes.NoteInfo),
		subs:   make(map[int]func([]notes.NoteInfo)),
	}
}

// Subscribe adds fn and starts the single underlying subscription on the
// first subscriber. The current snapshot, if non-empty, is delivered
// immediately. The returned unsubscribe tears down the underlying
// subscription when the last subscriber leaves.
func (c *Cache) Subscribe(fn func([]notes.NoteInfo)) func() {
	c.mu.Lock()
	key := c.nextSub
	c.nextSub++
	c.subs[key] = fn
	needStart := c.unsubscribe == nil
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if needStart {
		unsub, err := c.source.SubscribeAll(c.onPush)
		if err != nil {
			// No retry; the next first-subscriber restarts the subscription.
			log.Printf("notescache: subscribe failed: %v", err)
		} else {
			c.mu.Lock()
			c.unsubscribe = unsub
			c.mu.Unlock()
		}
	} else if len(snapshot) > 0 {
		fn(snapshot)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, key)
			var stop docstore.Unsubscribe
			if len(c.subs) == 0 {
				stop = c.unsubscribe
				c.unsubscribe = nil
				c.byID = make(map[string]notes.NoteInfo)
				c.order = nil
			}
			c.mu.Unlock()
			if stop != nil {
				stop()
			}
		})
	}
}

// onPush rebuilds the mirror wholesale from the snapshot, dropping
// soft-deleted notes, then notifies every subscriber with the full array in
// snapshot order.
func (c *Cache) onPush(all []notes.Note) {
	c.mu.Lock()
	c.byID = make(map[string]notes.NoteInfo, len(all))
	c.order = c.order[:0]
	for i := range all {
		if all[i].Deleted {
			continue
		}
		info := all[i].Info()
		c.byID[info.ID] = info
		c.order = append(c.order, info.ID)
	}
	snapshot := c.snapshotLocked()
	fns := make([]func([]notes.NoteInfo), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}

func (c *Cache) snapshotLocked() []notes.NoteInfo {
	out := make([]notes.NoteInfo, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// GetNoteInfo reads the mirror; it never triggers a fetch.
func (c *Cache) GetNoteInfo(id string) (notes.NoteInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.byID[id]
	return info, ok
}

// GetAllNotes returns the mirrored summaries in snapshot order.
func (c *Cache) GetAllNotes() []notes.NoteInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// HasNotes reports whether any note is mirrored.
func (c *Cache) HasNotes() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order) > 0
}
