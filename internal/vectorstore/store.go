package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"gwi.com/local-rag/internal/embedding"
	"gwi.com/local-rag/internal/logging"
	"gwi.com/local-rag/internal/store"
)

// Store is a file-backed vector store. The file is a bare JSON array of
// VectorDocument and is re-read on every call; only the inverted index is
// kept between calls.
type Store struct {
	path     string
	embedder embedding.Embedder

	minScore         float64
	personalMinScore float64
	now              func() time.Time

	mu    sync.Mutex
	index *InvertedIndex
}

type Option func(*Store)

// WithMinScore sets the default similarity search cutoff.
func WithMinScore(v float64) Option {
	return func(s *Store) { s.minScore = v }
}

// WithPersonalizationMinScore sets the Recommend cutoff.
func WithPersonalizationMinScore(v float64) Option {
	return func(s *Store) { s.personalMinScore = v }
}

// WithIndex configures index staleness and the narrowing threshold.
func WithIndex(maxAge time.Duration, minCandidates int) Option {
	return func(s *Store) { s.index = NewInvertedIndex(maxAge, minCandidates) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(path string, embedder embedding.Embedder, opts ...Option) *Store {
	s := &Store{
		path:             path,
		embedder:         embedder,
		minScore:         DefaultMinScore,
		personalMinScore: DefaultPersonalizationMinScore,
		now:              time.Now,
		index:            NewInvertedIndex(DefaultIndexMaxAge, DefaultMinCandidates),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Add embeds in and stores it, replacing any document with the same id.
func (s *Store) Add(ctx context.Context, in Input) (*VectorDocument, error) {
	if in.ID == "" {
		return nil, goerr.New("vector document requires an id")
	}
	doc, err := s.embed(ctx, in)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs, _, err := s.load()
	if err != nil {
		return nil, err
	}

	replaced := false
	for i := range docs {
		if docs[i].ID == doc.ID {
			docs[i] = doc
			replaced = true
			break
		}
	}
	if !replaced {
		docs = append(docs, doc)
	}

	if err := s.save(docs); err != nil {
		return nil, err
	}

	switch {
	case replaced:
		s.index.Reset()
	case !s.index.Stale(s.now()) && s.index.Size() == len(docs)-1:
		s.index.Add(doc, len(docs)-1)
	}
	return &doc, nil
}

// Delete removes the documents with the given ids and returns how many
// were removed.
func (s *Store) Delete(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs, _, err := s.load()
	if err != nil {
		return 0, err
	}

	kept := docs[:0]
	for _, doc := range docs {
		if _, ok := drop[doc.ID]; ok {
			continue
		}
		kept = append(kept, doc)
	}
	removed := len(docs) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	if err := s.save(kept); err != nil {
		return 0, err
	}
	s.index.Reset()

	logging.From(ctx).Debug("deleted vector documents", "requested", len(ids), "removed", removed)
	return removed, nil
}

// SetFeedback sets (or with nil clears) the feedback label of a document.
// It reports false when the id is unknown.
func (s *Store) SetFeedback(ctx context.Context, id string, fb *store.Feedback) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, _, err := s.load()
	if err != nil {
		return false, err
	}

	for i := range docs {
		if docs[i].ID != id {
			continue
		}
		if sameFeedback(docs[i].UserFeedback, fb) {
			return true, nil
		}
		if fb == nil {
			docs[i].UserFeedback = nil
		} else {
			docs[i].UserFeedback = fb.Ptr()
		}
		return true, s.save(docs)
	}
	return false, nil
}

// Get returns the document with id, or nil.
func (s *Store) Get(ctx context.Context, id string) (*VectorDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, _, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if docs[i].ID == id {
			return &docs[i], nil
		}
	}
	return nil, nil
}

// All returns every stored document in file order.
func (s *Store) All(ctx context.Context) ([]VectorDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, _, err := s.load()
	return docs, err
}

// Replace embeds inputs and overwrites the whole store with them.
func (s *Store) Replace(ctx context.Context, inputs []Input) (int, error) {
	docs := make([]VectorDocument, 0, len(inputs))
	for _, in := range inputs {
		doc, err := s.embed(ctx, in)
		if err != nil {
			logging.From(ctx).Warn("skipping document that failed to embed", "id", in.ID, "error", err)
			continue
		}
		docs = append(docs, doc)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.save(docs); err != nil {
		return 0, err
	}
	s.index.Build(docs, s.now())
	return len(docs), nil
}

// RepairReport describes the outcome of Repair.
type RepairReport struct {
	Kept    int `json:"kept"`
	Dropped int `json:"dropped"`
}

// Repair rewrites the file keeping only well-formed documents whose
// embedding is finite and matches the embedder dimension. A file that is not a JSON array
// becomes an empty store.
func (s *Store) Repair(ctx context.Context) (*RepairReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, dropped, err := s.load()
	if err != nil {
		return nil, err
	}

	dim := s.embedder.Dimension()
	kept := docs[:0]
	for _, doc := range docs {
		if len(doc.Embedding) != dim || !finite(doc.Embedding) {
			dropped++
			continue
		}
		kept = append(kept, doc)
	}

	if err := s.save(kept); err != nil {
		return nil, err
	}
	s.index.Reset()

	logging.From(ctx).Info("repaired vector store", "path", s.path, "kept", len(kept), "dropped", dropped)
	return &RepairReport{Kept: len(kept), Dropped: dropped}, nil
}

// Stats summarises the store content.
type Stats struct {
	Documents      int       `json:"documents"`
	Liked          int       `json:"liked"`
	Disliked       int       `json:"disliked"`
	IndexedTokens  int       `json:"indexedTokens"`
	IndexBuiltAt   time.Time `json:"indexBuiltAt"`
	EmbedderName   string    `json:"embedder"`
	EmbedDimension int       `json:"dimension"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, _, err := s.load()
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Documents:      len(docs),
		IndexedTokens:  s.index.Tokens(),
		IndexBuiltAt:   s.index.BuiltAt(),
		EmbedderName:   s.embedder.Name(),
		EmbedDimension: s.embedder.Dimension(),
	}
	for _, doc := range docs {
		switch {
		case doc.HasFeedback(store.FeedbackLike):
			stats.Liked++
		case doc.HasFeedback(store.FeedbackDislike):
			stats.Disliked++
		}
	}
	return stats, nil
}

// SearchOption narrows a Search call.
type SearchOption func(*searchOptions)

type searchOptions struct {
	minScore *float64
	feedback *store.Feedback
	metadata map[string]any
	noIndex  bool
}

// WithSearchMinScore overrides the store's default cutoff for one call.
func WithSearchMinScore(v float64) SearchOption {
	return func(o *searchOptions) { o.minScore = &v }
}

// WithFeedback restricts the search to documents carrying fb.
func WithFeedback(fb store.Feedback) SearchOption {
	return func(o *searchOptions) { o.feedback = &fb }
}

// WithMetadata restricts the search to documents whose metadata key equals
// value.
func WithMetadata(key string, value any) SearchOption {
	return func(o *searchOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]any)
		}
		o.metadata[key] = value
	}
}

// WithoutIndex scores every eligible document instead of narrowing through
// the inverted index.
func WithoutIndex() SearchOption {
	return func(o *searchOptions) { o.noIndex = true }
}

// Search returns up to limit documents most similar to query. Filters are
// applied before scoring so limit only counts eligible documents.
func (s *Store) Search(ctx context.Context, query string, limit int, opts ...SearchOption) ([]ScoredDocument, error) {
	var o searchOptions
	for _, opt := range opts {
		opt(&o)
	}
	minScore := s.minScore
	if o.minScore != nil {
		minScore = *o.minScore
	}

	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs, _, err := s.load()
	if err != nil {
		return nil, err
	}

	var allowed map[int]struct{}
	if !o.noIndex {
		now := s.now()
		if s.index.Stale(now) || s.index.Size() != len(docs) {
			s.index.Build(docs, now)
		}
		allowed = s.index.Candidates(query)
	}

	candidates := make([]VectorDocument, 0, len(docs))
	for i, doc := range docs {
		if allowed != nil {
			if _, ok := allowed[i]; !ok {
				continue
			}
		}
		if o.feedback != nil && !doc.HasFeedback(*o.feedback) {
			continue
		}
		if !matchMetadata(doc.Metadata, o.metadata) {
			continue
		}
		candidates = append(candidates, doc)
	}

	results := Rank(qvec, candidates, limit, minScore)
	logging.From(ctx).Debug("vector search",
		"documents", len(docs), "candidates", len(candidates), "results", len(results))
	return results, nil
}

// Recommend ranks only documents carrying like or dislike feedback against
// the query enriched with the content of every liked document. With no
// feedback at all it returns an empty list.
func (s *Store) Recommend(ctx context.Context, query string, limit int) ([]ScoredDocument, error) {
	s.mu.Lock()
	docs, _, err := s.load()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	pool := make([]VectorDocument, 0)
	parts := []string{query}
	for _, doc := range docs {
		switch {
		case doc.HasFeedback(store.FeedbackLike):
			pool = append(pool, doc)
			parts = append(parts, doc.Content)
		case doc.HasFeedback(store.FeedbackDislike):
			pool = append(pool, doc)
		}
	}
	if len(pool) == 0 {
		return []ScoredDocument{}, nil
	}

	qvec, err := s.embedder.Embed(ctx, strings.Join(parts, " "))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed personalized query")
	}

	results := Rank(qvec, pool, limit, s.personalMinScore)
	logging.From(ctx).Debug("personalized search",
		"pool", len(pool), "liked", len(parts)-1, "results", len(results))
	return results, nil
}

func (s *Store) embed(ctx context.Context, in Input) (VectorDocument, error) {
	vec, err := s.embedder.Embed(ctx, in.Content)
	if err != nil {
		return VectorDocument{}, goerr.Wrap(err, "failed to embed document", goerr.V("id", in.ID))
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	var fb *store.Feedback
	if in.UserFeedback != nil {
		fb = in.UserFeedback.Ptr()
	}
	return VectorDocument{
		ID:           in.ID,
		Content:      in.Content,
		Embedding:    vec,
		Metadata:     metadata,
		Timestamp:    s.now().UnixMilli(),
		UserFeedback: fb,
	}, nil
}

// load reads the file. A missing file or one that is not a JSON array is an
// empty store; malformed entries are skipped and counted.
func (s *Store) load() ([]VectorDocument, int, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []VectorDocument{}, 0, nil
		}
		return nil, 0, goerr.Wrap(err, "failed to read vector file", goerr.V("path", s.path))
	}

	logger := logging.Default()
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		logger.Warn("vector file is not an array, treating as empty", "path", s.path, "error", err)
		return []VectorDocument{}, 0, nil
	}

	docs := make([]VectorDocument, 0, len(entries))
	dropped := 0
	for i, entry := range entries {
		var doc VectorDocument
		if err := json.Unmarshal(entry, &doc); err != nil || doc.ID == "" || doc.Embedding == nil {
			logger.Warn("skipping malformed vector document", "path", s.path, "position", i, "error", err)
			dropped++
			continue
		}
		if doc.UserFeedback != nil && !doc.UserFeedback.Valid() {
			doc.UserFeedback = nil
		}
		if doc.Metadata == nil {
			doc.Metadata = make(map[string]any)
		}
		store.ReviveDates(doc.Metadata)
		docs = append(docs, doc)
	}
	return docs, dropped, nil
}

func (s *Store) save(docs []VectorDocument) error {
	out := make([]VectorDocument, len(docs))
	for i, doc := range docs {
		if md, ok := store.FreezeDates(doc.Metadata).(map[string]any); ok {
			doc.Metadata = md
		}
		out[i] = doc
	}

	data, err := json.Marshal(out)
	if err != nil {
		return goerr.Wrap(err, "failed to encode vector file", goerr.V("path", s.path))
	}
	return store.WriteFileAtomic(s.path, data)
}

func matchMetadata(md map[string]any, want map[string]any) bool {
	for k, v := range want {
		got, ok := md[k]
		if !ok || !reflect.DeepEqual(got, v) {
			return false
		}
	}
	return true
}

func finite(vec []float32) bool {
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func sameFeedback(a, b *store.Feedback) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
