package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"gwi.com/local-rag/internal/logging"
)

// FileVersion is the schema version written to every entity file.
const FileVersion = "1.0"

// Record is implemented by every type kept in an EntityStore. WithID returns
// a copy of the value carrying id.
type Record[T any] interface {
	GetID() string
	WithID(id string) T
}

// Cloner is implemented by records with pointer fields. Reads served from
// the cache return clones so callers never write through to it.
type Cloner[T any] interface {
	Clone() T
}

func detach[T any](item T) T {
	if c, ok := any(item).(Cloner[T]); ok {
		return c.Clone()
	}
	return item
}

type entityFile[T any] struct {
	Data         map[string]T `json:"data"`
	LastModified int64        `json:"lastModified"`
	Version      string       `json:"version"`
}

// EntityStore is a keyed record store backed by one JSON file.
//
// Reads parse the whole file once and serve from a cache until the next
// mutation. Every mutation runs inside Mutate: it takes the store mutex,
// re-reads the file, applies the change and writes the file back once.
type EntityStore[T Record[T]] struct {
	path  string
	newID func() string

	mu sync.Mutex

	cacheMu  sync.RWMutex
	cache    map[string]T
	cacheGen uint64
}

// EntityOption configures an EntityStore.
type EntityOption func(*entityOptions)

type entityOptions struct {
	newID func() string
}

// WithIDGenerator replaces NewID as the source of record identifiers.
func WithIDGenerator(fn func() string) EntityOption {
	return func(o *entityOptions) {
		o.newID = fn
	}
}

// NewEntityStore returns a store persisting to path. The file is created on
// the first write.
func NewEntityStore[T Record[T]](path string, opts ...EntityOption) *EntityStore[T] {
	o := entityOptions{newID: NewID}
	for _, opt := range opts {
		opt(&o)
	}
	return &EntityStore[T]{
		path:  path,
		newID: o.newID,
	}
}

// Path returns the backing file path.
func (s *EntityStore[T]) Path() string {
	return s.path
}

// Tx is the live view of a store handed to a Mutate callback. It is only
// valid inside that callback.
type Tx[T Record[T]] struct {
	data  map[string]T
	newID func() string
	dirty bool
}

// Get returns the record stored under id.
func (tx *Tx[T]) Get(id string) (T, bool) {
	item, ok := tx.data[id]
	return item, ok
}

// Insert stores item under a freshly generated id and returns the stored copy.
func (tx *Tx[T]) Insert(item T) T {
	id := tx.newID()
	for _, exists := tx.data[id]; exists; _, exists = tx.data[id] {
		id = tx.newID()
	}
	item = item.WithID(id)
	tx.data[id] = item
	tx.dirty = true
	return item
}

// Put stores item under its own id, replacing any previous value.
func (tx *Tx[T]) Put(item T) {
	tx.data[item.GetID()] = item
	tx.dirty = true
}

// Delete removes id and reports whether it was present.
func (tx *Tx[T]) Delete(id string) bool {
	if _, ok := tx.data[id]; !ok {
		return false
	}
	delete(tx.data, id)
	tx.dirty = true
	return true
}

// Filter returns the records matching pred, ordered by id. A nil pred
// matches everything.
func (tx *Tx[T]) Filter(pred func(T) bool) []T {
	return filterSorted(tx.data, pred)
}

// Len returns the number of records.
func (tx *Tx[T]) Len() int {
	return len(tx.data)
}

// Mutate runs fn as a single critical section over the freshly loaded store
// and persists the result once. If fn returns an error nothing is written.
func (s *EntityStore[T]) Mutate(fn func(tx *Tx[T]) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return err
	}

	tx := &Tx[T]{data: data, newID: s.newID}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}

	defer s.invalidate()
	return s.write(data)
}

// Create stores item under a new id and returns the stored copy.
func (s *EntityStore[T]) Create(item T) (T, error) {
	var created T
	err := s.Mutate(func(tx *Tx[T]) error {
		created = tx.Insert(item)
		return nil
	})
	return created, err
}

// Upsert stores item under id.
func (s *EntityStore[T]) Upsert(id string, item T) error {
	if id == "" {
		return goerr.New("upsert requires an id", goerr.V("path", s.path))
	}
	return s.Mutate(func(tx *Tx[T]) error {
		tx.Put(item.WithID(id))
		return nil
	})
}

// FindByID returns the record stored under id, or nil when there is none.
func (s *EntityStore[T]) FindByID(id string) (*T, error) {
	data, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	item, ok := data[id]
	if !ok {
		return nil, nil
	}
	item = detach(item)
	return &item, nil
}

// FindMany returns the records matching pred ordered by id. A nil pred
// returns every record.
func (s *EntityStore[T]) FindMany(pred func(T) bool) ([]T, error) {
	data, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	out := filterSorted(data, pred)
	for i := range out {
		out[i] = detach(out[i])
	}
	return out, nil
}

// Count returns the number of records matching pred.
func (s *EntityStore[T]) Count(pred func(T) bool) (int, error) {
	data, err := s.snapshot()
	if err != nil {
		return 0, err
	}
	if pred == nil {
		return len(data), nil
	}
	n := 0
	for _, item := range data {
		if pred(item) {
			n++
		}
	}
	return n, nil
}

// Update applies patch to the record stored under id. It returns nil when
// the record does not exist. The id cannot be changed by patch.
func (s *EntityStore[T]) Update(id string, patch func(*T)) (*T, error) {
	var updated *T
	err := s.Mutate(func(tx *Tx[T]) error {
		item, ok := tx.Get(id)
		if !ok {
			return nil
		}
		patch(&item)
		item = item.WithID(id)
		tx.Put(item)
		updated = &item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the record stored under id and reports whether it existed.
func (s *EntityStore[T]) Delete(id string) (bool, error) {
	var deleted bool
	err := s.Mutate(func(tx *Tx[T]) error {
		deleted = tx.Delete(id)
		return nil
	})
	return deleted, err
}

func (s *EntityStore[T]) snapshot() (map[string]T, error) {
	s.cacheMu.RLock()
	cached, gen := s.cache, s.cacheGen
	s.cacheMu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	data, err := s.read()
	if err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	// A write that landed while we were reading makes data stale.
	if s.cacheGen == gen {
		s.cache = data
	}
	s.cacheMu.Unlock()
	return data, nil
}

func (s *EntityStore[T]) invalidate() {
	s.cacheMu.Lock()
	s.cache = nil
	s.cacheGen++
	s.cacheMu.Unlock()
}

// read loads the file. A missing or unparseable file yields an empty map.
func (s *EntityStore[T]) read() (map[string]T, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]T), nil
		}
		return nil, goerr.Wrap(err, "failed to read entity file", goerr.V("path", s.path))
	}
	return decodeEntities[T](s.path, raw), nil
}

func decodeEntities[T Record[T]](path string, raw []byte) map[string]T {
	logger := logging.Default()

	var env struct {
		Data    map[string]json.RawMessage `json:"data"`
		Version string                     `json:"version"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Warn("entity file is corrupt, treating as empty", "path", path, "error", err)
		return make(map[string]T)
	}

	entries := env.Data
	if env.Version == "" && entries == nil {
		// Legacy layout: the file is the bare id -> record map.
		if err := json.Unmarshal(raw, &entries); err != nil {
			logger.Warn("entity file has no recognizable layout, treating as empty", "path", path, "error", err)
			return make(map[string]T)
		}
		logger.Info("loaded legacy entity file", "path", path, "records", len(entries))
	}

	data := make(map[string]T, len(entries))
	for id, entry := range entries {
		var item T
		if err := json.Unmarshal(entry, &item); err != nil {
			logger.Warn("dropping malformed record", "path", path, "id", id, "error", err)
			continue
		}
		data[id] = item.WithID(id)
	}
	return data
}

func (s *EntityStore[T]) write(data map[string]T) error {
	out, err := json.MarshalIndent(entityFile[T]{
		Data:         data,
		LastModified: time.Now().UnixMilli(),
		Version:      FileVersion,
	}, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to encode entity file", goerr.V("path", s.path))
	}
	return WriteFileAtomic(s.path, out)
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return goerr.Wrap(err, "failed to create storage directory", goerr.V("dir", dir))
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return goerr.Wrap(err, "failed to create temp file", goerr.V("path", path))
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return goerr.Wrap(err, "failed to write temp file", goerr.V("path", tmpName))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return goerr.Wrap(err, "failed to close temp file", goerr.V("path", tmpName))
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return goerr.Wrap(err, "failed to replace file", goerr.V("path", path))
	}
	return nil
}

func filterSorted[T any](data map[string]T, pred func(T) bool) []T {
	ids := make([]string, 0, len(data))
	for id, item := range data {
		if pred == nil || pred(item) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, data[id])
	}
	return out
}
