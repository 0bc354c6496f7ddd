package intel

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TAXIIServer exposes published sightings as a read-only TAXII 2.1 collection
type TAXIIServer struct {
	mu         sync.RWMutex
	collection Collection
	entries    []sightingEntry
	maxObjects int
	nowFunc    func() time.Time
}

type sightingEntry struct {
	sighting *STIXSighting
	added    time.Time
}

// NewTAXIIServer creates a server for one sightings collection keeping at most maxObjects
func NewTAXIIServer(collectionID string, maxObjects int) *TAXIIServer {
	if maxObjects <= 0 {
		maxObjects = 1000
	}
	return &TAXIIServer{
		collection: Collection{
			ID:          collectionID,
			Title:       "VAST sightings",
			Description: "Indicators observed by VAST",
			CanRead:     true,
		},
		entries:    make([]sightingEntry, 0, maxObjects),
		maxObjects: maxObjects,
		nowFunc:    time.Now,
	}
}

// PublishSighting adds a sighting to the collection, dropping the oldest beyond capacity
func (s *TAXIIServer) PublishSighting(sighting *Sighting) {
	obj := ToSTIXSighting(sighting)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, sightingEntry{sighting: obj, added: s.nowFunc()})
	if len(s.entries) > s.maxObjects {
		s.entries = append(s.entries[:0:0], s.entries[len(s.entries)-s.maxObjects:]...)
	}
}

// Len is the number of sightings held
func (s *TAXIIServer) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// HandleCollections handles GET /taxii2/collections/
func (s *TAXIIServer) HandleCollections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeTAXII(w, struct {
		Collections []Collection `json:"collections"`
	}{
		Collections: []Collection{s.collection},
	})
}

// HandleObjects handles GET /taxii2/collections/{id}/objects/ with optional added_after
func (s *TAXIIServer) HandleObjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/taxii2/collections/")
	id = strings.TrimSuffix(strings.TrimSuffix(id, "/"), "/objects")
	if id != s.collection.ID {
		http.Error(w, "Unknown collection", http.StatusNotFound)
		return
	}

	var after time.Time
	if v := r.URL.Query().Get("added_after"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			http.Error(w, "Invalid added_after", http.StatusBadRequest)
			return
		}
		after = t
	}

	s.mu.RLock()
	objects := make([]*STIXSighting, 0, len(s.entries))
	for _, e := range s.entries {
		if after.IsZero() || e.added.After(after) {
			objects = append(objects, e.sighting)
		}
	}
	s.mu.RUnlock()

	writeTAXII(w, struct {
		Type    string          `json:"type"`
		ID      string          `json:"id"`
		Objects []*STIXSighting `json:"objects"`
	}{
		Type:    "bundle",
		ID:      "bundle--" + uuid.NewString(),
		Objects: objects,
	})
}

func writeTAXII(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", taxiiMediaType)
	w.Write(b)
}
