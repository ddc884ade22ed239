package docstore

import (
	"context"
	"reflect"
	"sync"
	"time"

	"partyjournal/api/internal/util"
)

// Memory is an in-process Store. Mutations fan out to subscribers
// synchronously, which makes it the reference implementation for tests and a
// usable backend for single-process deployments.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]map[string]map[string]any // collection -> id -> fields
	order    map[string][]string                  // collection -> ids in insertion order
	collSubs map[string]map[int]func([]Document)
	docSubs  map[string]map[int]func(*Document)
	nextSub  int
	clock    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]map[string]map[string]any),
		order:    make(map[string][]string),
		collSubs: make(map[string]map[int]func([]Document)),
		docSubs:  make(map[string]map[int]func(*Document)),
		clock:    time.Now,
	}
}

// SetClock overrides the server timestamp source. Test hook.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

func (m *Memory) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := util.NewID("")
	m.mu.Lock()
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]map[string]any)
	}
	m.docs[collection][id] = m.resolveFields(nil, fields)
	m.order[collection] = append(m.order[collection], id)
	notify := m.pendingNotifications(collection, DocPath(collection, id))
	m.mu.Unlock()

	notify()
	return id, nil
}

func (m *Memory) Set(ctx context.Context, path string, fields map[string]any) error {
	collection, id := SplitPath(path)
	m.mu.Lock()
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]map[string]any)
	}
	existing, ok := m.docs[collection][id]
	m.docs[collection][id] = m.resolveFields(existing, fields)
	if !ok {
		m.order[collection] = append(m.order[collection], id)
	}
	notify := m.pendingNotifications(collection, path)
	m.mu.Unlock()

	notify()
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]any) error {
	collection, id := SplitPath(path)
	m.mu.Lock()
	existing, ok := m.docs[collection][id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.docs[collection][id] = m.resolveFields(existing, fields)
	notify := m.pendingNotifications(collection, path)
	m.mu.Unlock()

	notify()
	return nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	collection, id := SplitPath(path)
	m.mu.Lock()
	if _, ok := m.docs[collection][id]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.docs[collection], id)
	ids := m.order[collection]
	for i, existing := range ids {
		if existing == id {
			m.order[collection] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	notify := m.pendingNotifications(collection, path)
	m.mu.Unlock()

	notify()
	return nil
}

func (m *Memory) Get(ctx context.Context, path string) (*Document, error) {
	collection, id := SplitPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.docs[collection][id]
	if !ok {
		return nil, nil
	}
	return &Document{ID: id, Path: path, Fields: cloneFields(fields)}, nil
}

func (m *Memory) List(ctx context.Context, collection string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(collection), nil
}

func (m *Memory) QueryEquals(ctx context.Context, collection, field string, value any) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Document
	for _, id := range m.order[collection] {
		fields := m.docs[collection][id]
		if reflect.DeepEqual(fields[field], value) {
			out = append(out, Document{ID: id, Path: DocPath(collection, id), Fields: cloneFields(fields)})
		}
	}
	return out, nil
}

func (m *Memory) QueryContains(ctx context.Context, collection, field string, value any) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Document
	for _, id := range m.order[collection] {
		fields := m.docs[collection][id]
		if containsValue(fields[field], value) {
			out = append(out, Document{ID: id, Path: DocPath(collection, id), Fields: cloneFields(fields)})
		}
	}
	return out, nil
}

func (m *Memory) SubscribeCollection(collection string, fn func([]Document)) (Unsubscribe, error) {
	m.mu.Lock()
	if m.collSubs[collection] == nil {
		m.collSubs[collection] = make(map[int]func([]Document))
	}
	key := m.nextSub
	m.nextSub++
	m.collSubs[collection][key] = fn
	snapshot := m.snapshotLocked(collection)
	m.mu.Unlock()

	// Initial snapshot, mirroring the hosted store's first push.
	fn(snapshot)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.collSubs[collection], key)
			m.mu.Unlock()
		})
	}, nil
}

func (m *Memory) SubscribeDocument(path string, fn func(*Document)) (Unsubscribe, error) {
	collection, id := SplitPath(path)
	m.mu.Lock()
	if m.docSubs[path] == nil {
		m.docSubs[path] = make(map[int]func(*Document))
	}
	key := m.nextSub
	m.nextSub++
	m.docSubs[path][key] = fn
	var current *Document
	if fields, ok := m.docs[collection][id]; ok {
		current = &Document{ID: id, Path: path, Fields: cloneFields(fields)}
	}
	m.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.docSubs[path], key)
			m.mu.Unlock()
		})
	}, nil
}

// pendingNotifications captures subscriber callbacks and payloads under the
// lock; the returned closure must be invoked after unlocking so callbacks can
// re-enter the store.
func (m *Memory) pendingNotifications(collection, path string) func() {
	snapshot := m.snapshotLocked(collection)
	collFns := make([]func([]Document), 0, len(m.collSubs[collection]))
	for _, fn := range m.collSubs[collection] {
		collFns = append(collFns, fn)
	}

	_, id := SplitPath(path)
	var current *Document
	if fields, ok := m.docs[collection][id]; ok {
		current = &Document{ID: id, Path: path, Fields: cloneFields(fields)}
	}
	docFns := make([]func(*Document), 0, len(m.docSubs[path]))
	for _, fn := range m.docSubs[path] {
		docFns = append(docFns, fn)
	}

	return func() {
		for _, fn := range collFns {
			fn(snapshot)
		}
		for _, fn := range docFns {
			fn(current)
		}
	}
}

func (m *Memory) snapshotLocked(collection string) []Document {
	ids := m.order[collection]
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, Document{
			ID:     id,
			Path:   DocPath(collection, id),
			Fields: cloneFields(m.docs[collection][id]),
		})
	}
	return out
}

func (m *Memory) resolveFields(existing, updates map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(updates))
	for k, v := range existing {
		out[k] = v
	}
	now := m.clock()
	for k, v := range updates {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func containsValue(field, value any) bool {
	switch arr := field.(type) {
	case []string:
		for _, item := range arr {
			if reflect.DeepEqual(item, value) {
				return true
			}
		}
	case []any:
		for _, item := range arr {
			if reflect.DeepEqual(item, value) {
				return true
			}
		}
	}
	return false
}
