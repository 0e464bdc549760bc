package conceptmap

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirmap/internal/platform/fhir"
)

type memoryRepo struct {
	mu   sync.RWMutex
	data map[uuid.UUID]*ConceptMap
}

// NewConceptMapRepoMemory returns a repository held in process memory, used
// when no database is configured.
func NewConceptMapRepoMemory() ConceptMapRepository {
	return &memoryRepo{data: make(map[uuid.UUID]*ConceptMap)}
}

func clone(cm *ConceptMap) *ConceptMap {
	c := *cm
	c.Content = append([]byte(nil), cm.Content...)
	return &c
}

func (r *memoryRepo) Create(_ context.Context, cm *ConceptMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cm.ID = uuid.New()
	if cm.FHIRID == "" {
		cm.FHIRID = cm.ID.String()
	}
	now := time.Now().UTC()
	cm.VersionID = 1
	cm.CreatedAt, cm.UpdatedAt = now, now
	r.data[cm.ID] = clone(cm)
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*ConceptMap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cm, ok := r.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(cm), nil
}

func (r *memoryRepo) GetByFHIRID(_ context.Context, fhirID string) (*ConceptMap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cm := range r.data {
		if cm.FHIRID == fhirID {
			return clone(cm), nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepo) Update(_ context.Context, cm *ConceptMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.data[cm.ID]
	if !ok {
		return ErrNotFound
	}
	cm.CreatedAt = existing.CreatedAt
	cm.VersionID = existing.VersionID + 1
	cm.UpdatedAt = time.Now().UTC()
	r.data[cm.ID] = clone(cm)
	return nil
}

func (r *memoryRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[id]; !ok {
		return ErrNotFound
	}
	delete(r.data, id)
	return nil
}

func (r *memoryRepo) List(ctx context.Context, limit, offset int) ([]*ConceptMap, int, error) {
	return r.Search(ctx, nil, limit, offset)
}

func (r *memoryRepo) Search(_ context.Context, params map[string]string, limit, offset int) ([]*ConceptMap, int, error) {
	r.mu.RLock()
	var matched []*ConceptMap
	for _, cm := range r.data {
		if matches(cm, params) {
			matched = append(matched, clone(cm))
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func matches(cm *ConceptMap, params map[string]string) bool {
	for key, value := range params {
		name, modifier := fhir.ParseParamModifier(key)
		var ok bool
		switch name {
		case "status":
			ok = cm.Status == value
		case "url":
			ok = deref(cm.URL) == value
		case "_id":
			ok = cm.FHIRID == value
		case "source":
			ok = deref(cm.SourceURI) == value
		case "target":
			ok = deref(cm.TargetURI) == value
		case "name":
			ok = cm.Name != nil && fhir.MatchString(*cm.Name, value, modifier)
		case "title":
			ok = cm.Title != nil && fhir.MatchString(*cm.Title, value, modifier)
		default:
			ok = true
		}
		if !ok {
			return false
		}
	}
	return true
}
