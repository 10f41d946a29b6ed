// Package objectstoretest provides an in-memory objectstore.Client for
// tests.
package objectstoretest

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eteran/lightbox/internal/objectstore"
)

// Object is a stored payload.
type Object struct {
	Data        []byte
	ContentType string
}

// MemoryStore is a thread-safe objectstore.Client. Failures can be injected
// per key and per operation; every call is recorded.
type MemoryStore struct {
	mu       sync.Mutex
	objects  map[string]Object
	failPut  map[string]int
	failDel  map[string]int
	calls    []string
	pageSize int
	delay    time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string]Object),
		failPut:  make(map[string]int),
		failDel:  make(map[string]int),
		pageSize: objectstore.MaxKeysPerPage,
	}
}

// SetPageSize changes how many keys List returns per page.
func (m *MemoryStore) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageSize = n
}

// SetDelay makes every Put sleep, so concurrent calls overlap.
func (m *MemoryStore) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// FailPut makes Put of key fail with the given status.
func (m *MemoryStore) FailPut(key string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut[key] = status
}

// FailDelete makes Delete of key fail with the given status.
func (m *MemoryStore) FailDelete(key string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDel[key] = status
}

// Seed stores keys with empty payloads.
func (m *MemoryStore) Seed(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.objects[k] = Object{ContentType: "application/octet-stream"}
	}
}

func (m *MemoryStore) Get(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Keys returns every stored key in order.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Calls returns every operation so far as "op key".
func (m *MemoryStore) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MaxInFlight is the highest number of overlapping Put calls observed.
func (m *MemoryStore) MaxInFlight() int {
	return int(m.maxInFlight.Load())
}

func (m *MemoryStore) record(op string, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op+" "+key)
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.record("put", key)

	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	if err := ctx.Err(); err != nil {
		return &objectstore.StoreError{Op: "put", Key: key, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.failPut[key]; ok {
		return &objectstore.StoreError{Op: "put", Key: key, StatusCode: status, Body: http.StatusText(status)}
	}
	m.objects[key] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	m.record("delete", key)
	if err := ctx.Err(); err != nil {
		return false, &objectstore.StoreError{Op: "delete", Key: key, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.failDel[key]; ok {
		return false, &objectstore.StoreError{Op: "delete", Key: key, StatusCode: status, Body: http.StatusText(status)}
	}
	delete(m.objects, key)
	return true, nil
}

// List pages through keys in lexical order; the continuation token is the
// index of the next key.
func (m *MemoryStore) List(ctx context.Context, prefix string, continuationToken string) (objectstore.Page, error) {
	m.record("list", prefix)
	if err := ctx.Err(); err != nil {
		return objectstore.Page{}, err
	}

	start := 0
	if continuationToken != "" {
		n, err := strconv.Atoi(continuationToken)
		if err != nil {
			return objectstore.Page{}, &objectstore.StoreError{Op: "list", Key: prefix, StatusCode: http.StatusBadRequest, Err: errors.New("invalid continuation token")}
		}
		start = n
	}

	var matching []string
	for _, k := range m.Keys() {
		if strings.HasPrefix(k, prefix) {
			matching = append(matching, k)
		}
	}

	m.mu.Lock()
	size := m.pageSize
	m.mu.Unlock()

	if start > len(matching) {
		start = len(matching)
	}
	end := min(start+size, len(matching))

	page := objectstore.Page{Keys: matching[start:end]}
	if end < len(matching) {
		page.NextContinuationToken = strconv.Itoa(end)
	}
	return page, nil
}

var _ objectstore.Client = (*MemoryStore)(nil)
