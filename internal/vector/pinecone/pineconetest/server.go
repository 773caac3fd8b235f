// Package pineconetest provides an in-memory vector index server speaking the
// same HTTP+JSON protocol as the remote service, for tests.
package pineconetest

import (
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/thebtf/chromaseek/internal/vector"
)

// APIKey is the key the fake server accepts.
const APIKey = "test-key"

// IndexName is the index the fake control plane describes.
const IndexName = "colors"

type storedVector struct {
	Metadata map[string]any
	Values   []float32
}

// Server is a fake vector index.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	namespaces map[string]map[string]storedVector

	// UpsertCalls counts upsert requests received.
	UpsertCalls int
	// QueryCalls counts query requests received.
	QueryCalls int
	// FailUpsertCall makes the n-th upsert call (0-based) answer 500.
	FailUpsertCall map[int]bool
	// DeleteCalls counts delete requests received.
	DeleteCalls int
	// FailDeleteCall makes the n-th delete call (0-based) answer 500.
	FailDeleteCall map[int]bool
	// QueryDelay delays query answers, to exercise client timeouts.
	QueryDelay time.Duration
	// Down makes every endpoint answer 503.
	Down bool
	// Dimension reported by the control plane.
	Dimension int
}

// New starts a fake server. Close it with Server.Close.
func New() *Server {
	s := &Server{
		namespaces:     make(map[string]map[string]storedVector),
		FailUpsertCall: make(map[int]bool),
		FailDeleteCall: make(map[int]bool),
		Dimension:      3,
	}

	r := chi.NewRouter()
	r.Use(s.auth)
	r.Get("/indexes/{name}", s.handleDescribe)
	r.Post("/vectors/upsert", s.handleUpsert)
	r.Post("/query", s.handleQuery)
	r.Post("/describe_index_stats", s.handleStats)
	r.Post("/vectors/delete", s.handleDelete)

	s.Server = httptest.NewServer(r)
	return s
}

// Count returns the number of vectors stored in a namespace.
func (s *Server) Count(namespace string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.namespaces[namespace])
}

// Put stores a vector directly, bypassing the HTTP API.
func (s *Server) Put(namespace, id string, values []float32, metadata map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ns(namespace)[id] = storedVector{Values: values, Metadata: metadata}
}

// Queries returns the number of query requests received.
func (s *Server) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCalls
}

// SetDown toggles the unavailable mode.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.Down = down
	s.mu.Unlock()
}

func (s *Server) ns(name string) map[string]storedVector {
	m, ok := s.namespaces[name]
	if !ok {
		m = make(map[string]storedVector)
		s.namespaces[name] = m
	}
	return m
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		down := s.Down
		s.mu.Unlock()
		if down {
			http.Error(w, `{"message":"service unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Api-Key") != APIKey {
			http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "name") != IndexName {
		http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"name":      IndexName,
		"host":      s.URL,
		"dimension": s.Dimension,
		"metric":    "euclidean",
		"status":    map[string]any{"state": "Ready", "ready": true},
	})
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Namespace string `json:"namespace"`
		Vectors   []struct {
			Metadata map[string]any `json:"metadata"`
			ID       string         `json:"id"`
			Values   []float32      `json:"values"`
		} `json:"vectors"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	call := s.UpsertCalls
	s.UpsertCalls++
	fail := s.FailUpsertCall[call]
	s.mu.Unlock()

	if fail {
		http.Error(w, `{"message":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if len(req.Vectors) > 1000 {
		http.Error(w, `{"message":"batch too large"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	ns := s.ns(req.Namespace)
	for _, v := range req.Vectors {
		ns[v.ID] = storedVector{Values: v.Values, Metadata: v.Metadata}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"upsertedCount": len(req.Vectors)})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filter          map[string]any `json:"filter"`
		Namespace       string         `json:"namespace"`
		Vector          []float32      `json:"vector"`
		TopK            int            `json:"topK"`
		IncludeMetadata bool           `json:"includeMetadata"`
		IncludeValues   bool           `json:"includeValues"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.QueryCalls++
	delay := s.QueryDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	type match struct {
		Metadata map[string]any `json:"metadata,omitempty"`
		ID       string         `json:"id"`
		Values   []float32      `json:"values,omitempty"`
		Score    float64        `json:"score"`
	}

	s.mu.Lock()
	matches := make([]match, 0)
	for id, v := range s.namespaces[req.Namespace] {
		if !vector.MatchFilter(v.Metadata, req.Filter) {
			continue
		}
		m := match{ID: id, Score: score(req.Vector, v.Values)}
		if req.IncludeMetadata {
			m.Metadata = v.Metadata
		}
		if req.IncludeValues {
			m.Values = v.Values
		}
		matches = append(matches, m)
	}
	s.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if req.TopK >= 0 && len(matches) > req.TopK {
		matches = matches[:req.TopK]
	}

	writeJSON(w, map[string]any{"namespace": req.Namespace, "matches": matches})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	namespaces := make(map[string]any, len(s.namespaces))
	total := 0
	for name, ns := range s.namespaces {
		namespaces[name] = map[string]any{"vectorCount": len(ns)}
		total += len(ns)
	}
	writeJSON(w, map[string]any{
		"namespaces":       namespaces,
		"dimension":        s.Dimension,
		"indexFullness":    float64(total) / 100000,
		"totalVectorCount": total,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Namespace string   `json:"namespace"`
		IDs       []string `json:"ids"`
		DeleteAll bool     `json:"deleteAll"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	call := s.DeleteCalls
	s.DeleteCalls++
	if s.FailDeleteCall[call] {
		s.mu.Unlock()
		http.Error(w, `{"message":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if req.DeleteAll {
		delete(s.namespaces, req.Namespace)
	} else {
		ns := s.ns(req.Namespace)
		for _, id := range req.IDs {
			delete(ns, id)
		}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{})
}

// score mirrors a euclidean index: 1 at zero distance, 0 at the cube diagonal.
func score(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return 1 - math.Sqrt(sum)/math.Sqrt(3)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
