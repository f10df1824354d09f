package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/models"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/store"
)

// memoryStore is an in-memory document store with controllable capability
// failures, used to exercise the query ladder and the live feed.
type memoryStore struct {
	mu   sync.Mutex
	seq  int
	base time.Time
	docs map[string]map[string]store.Document
	subs []*memorySub

	failIndexed  bool // reject formulations that sort store-side
	failFiltered bool // reject filter-only formulations
	failAll      bool // reject every query
	insertErr    error
	mergeErr     error

	insertCalls int
	queryCalls  int
}

type memorySub struct {
	store    *memoryStore
	query    store.Query
	onBatch  func([]store.Snapshot)
	onError  func(error)
	mu       sync.Mutex
	inactive bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		base: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC),
		docs: map[string]map[string]store.Document{},
	}
}

func (m *memoryStore) rejects(q store.Query) error {
	hasFilter := len(q.Filters) > 0
	hasSort := q.Sort != nil
	switch {
	case m.failAll:
		return fmt.Errorf("%w: backend down", store.ErrUnsupportedQuery)
	case m.failIndexed && hasSort:
		return fmt.Errorf("%w: missing composite index", store.ErrUnsupportedQuery)
	case m.failFiltered && hasFilter && !hasSort:
		return fmt.Errorf("%w: filters unavailable", store.ErrUnsupportedQuery)
	}
	return nil
}

func (m *memoryStore) Insert(ctx context.Context, collection string, doc store.Document) (string, error) {
	m.mu.Lock()
	m.insertCalls++
	if m.insertErr != nil {
		err := m.insertErr
		m.mu.Unlock()
		return "", err
	}
	m.seq++
	id := fmt.Sprintf("doc-%03d", m.seq)
	stored := store.Document{}
	for field, value := range doc {
		if value == store.ServerTimestamp {
			stored[field] = m.base.Add(time.Duration(m.seq) * time.Minute)
			continue
		}
		stored[field] = value
	}
	if m.docs[collection] == nil {
		m.docs[collection] = map[string]store.Document{}
	}
	m.docs[collection][id] = stored
	m.mu.Unlock()

	m.notify(collection)
	return id, nil
}

func (m *memoryStore) Query(ctx context.Context, q store.Query) ([]store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryCalls++
	if err := m.rejects(q); err != nil {
		return nil, err
	}
	return m.evaluate(q), nil
}

// evaluate runs a query against current state. Callers hold mu.
func (m *memoryStore) evaluate(q store.Query) []store.Snapshot {
	var snaps []store.Snapshot
	for id, doc := range m.docs[q.Collection] {
		if matchesFilters(doc, q.Filters) {
			snaps = append(snaps, store.Snapshot{ID: id, Data: doc})
		}
	}
	if q.Sort != nil {
		field, desc := q.Sort.Field, q.Sort.Descending
		sort.Slice(snaps, func(i, j int) bool {
			ti, _ := snaps[i].Data[field].(time.Time)
			tj, _ := snaps[j].Data[field].(time.Time)
			if desc {
				return ti.After(tj)
			}
			return ti.Before(tj)
		})
	} else {
		// Unsorted reads come back in insertion order, oldest first,
		// deliberately not matching the sorted presentation.
		sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	}
	if q.Limit > 0 && len(snaps) > q.Limit {
		snaps = snaps[:q.Limit]
	}
	return snaps
}

func matchesFilters(doc store.Document, filters []store.Filter) bool {
	for _, f := range filters {
		switch f.Op {
		case store.OpEqual:
			if fmt.Sprintf("%v", doc[f.Field]) != fmt.Sprintf("%v", f.Value) {
				return false
			}
		case store.OpArrayContains:
			want, _ := f.Value.(string)
			if !stringSliceContains(docSliceOf(doc[f.Field]), want) {
				return false
			}
		case store.OpIn:
			values, _ := f.Value.([]string)
			if !stringSliceContains(values, fmt.Sprintf("%v", doc[f.Field])) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func docSliceOf(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringSliceContains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func (m *memoryStore) MergeUpdate(ctx context.Context, collection, id string, updates []store.Update) error {
	m.mu.Lock()
	if m.mergeErr != nil {
		err := m.mergeErr
		m.mu.Unlock()
		return err
	}
	doc, ok := m.docs[collection][id]
	if !ok {
		m.mu.Unlock()
		return store.ErrNotFound
	}
	for _, u := range updates {
		switch u.Op {
		case store.UpdateSet:
			doc[u.Field] = u.Value
		case store.UpdateArrayUnion:
			values, _ := u.Value.([]string)
			merged := append([]string{}, docSliceOf(doc[u.Field])...)
			for _, v := range values {
				if !stringSliceContains(merged, v) {
					merged = append(merged, v)
				}
			}
			doc[u.Field] = merged
		}
	}
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

func (m *memoryStore) Subscribe(q store.Query, onBatch func([]store.Snapshot), onError func(error)) (store.Unsubscribe, error) {
	m.mu.Lock()
	if err := m.rejects(q); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	sub := &memorySub{store: m, query: q, onBatch: onBatch, onError: onError}
	m.subs = append(m.subs, sub)
	initial := m.evaluate(q)
	m.mu.Unlock()

	sub.deliver(initial)
	return sub.stop, nil
}

// notify re-runs every live query against the changed collection and pushes
// fresh batches. A subscription whose formulation no longer evaluates gets a
// stream error instead, mimicking a backend losing a capability mid-stream.
func (m *memoryStore) notify(collection string) {
	m.mu.Lock()
	subs := make([]*memorySub, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, sub := range subs {
		if sub.query.Collection != collection {
			continue
		}
		m.mu.Lock()
		rejected := m.rejects(sub.query)
		var batch []store.Snapshot
		if rejected == nil {
			batch = m.evaluate(sub.query)
		}
		m.mu.Unlock()

		if rejected != nil {
			sub.emitError(errors.New("stream interrupted"))
			continue
		}
		sub.deliver(batch)
	}
}

// breakLiveQueries flips the given failure flags and interrupts every live
// subscription the new flags invalidate.
func (m *memoryStore) breakLiveQueries(failIndexed, failFiltered, failAll bool) {
	m.mu.Lock()
	m.failIndexed = failIndexed
	m.failFiltered = failFiltered
	m.failAll = failAll
	subs := make([]*memorySub, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, sub := range subs {
		m.mu.Lock()
		rejected := m.rejects(sub.query)
		m.mu.Unlock()
		if rejected != nil {
			sub.emitError(rejected)
		}
	}
}

func (m *memoryStore) activeSubs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, sub := range m.subs {
		sub.mu.Lock()
		if !sub.inactive {
			count++
		}
		sub.mu.Unlock()
	}
	return count
}

func (m *memoryStore) readBy(collection, id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[collection][id]
	if !ok {
		return nil
	}
	return docSliceOf(doc["readBy"])
}

func (s *memorySub) deliver(batch []store.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inactive {
		return
	}
	s.onBatch(batch)
}

func (s *memorySub) emitError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inactive {
		return
	}
	s.onError(err)
}

func (s *memorySub) stop() {
	s.mu.Lock()
	s.inactive = true
	s.mu.Unlock()
}

// seedNotification inserts a notification document and returns its id.
// Creation times advance one minute per insert.
func seedNotification(m *memoryStore, title string, roles []models.UserRole, readBy ...string) string {
	if readBy == nil {
		readBy = []string{}
	}
	id, err := m.Insert(context.Background(), notificationsCollection, notificationDocument(models.Notification{
		Title:       title,
		Message:     "body of " + title,
		TargetRoles: roles,
		SentBy:      "admin-1",
		SentByName:  "Portal Admin",
		ReadBy:      readBy,
	}))
	if err != nil {
		panic(err)
	}
	return id
}

func seedUser(m *memoryStore, name string, role models.UserRole) {
	if _, err := m.Insert(context.Background(), usersCollection, store.Document{
		"role":     string(role),
		"fullName": name,
	}); err != nil {
		panic(err)
	}
}

// stubCache is an in-memory recipientCountCache.
type stubCache struct {
	mu     sync.Mutex
	values map[string]int
	hits   int
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string]int{}}
}

func (c *stubCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if !ok {
		return errors.New("cache miss")
	}
	c.hits++
	if p, ok := dest.(*int); ok {
		*p = v
	}
	return nil
}

func (c *stubCache) Set(ctx context.Context, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := value.(int); ok {
		c.values[key] = v
	}
	return nil
}
