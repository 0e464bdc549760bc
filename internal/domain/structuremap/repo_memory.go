package structuremap

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirmap/internal/platform/fhir"
)

// memoryRepo keeps maps in process memory. It backs the server when no
// DATABASE_URL is configured and the command-line tools.
type memoryRepo struct {
	mu   sync.RWMutex
	data map[uuid.UUID]*StructureMap
}

func NewStructureMapRepoMemory() StructureMapRepository {
	return &memoryRepo{data: make(map[uuid.UUID]*StructureMap)}
}

func clone(sm *StructureMap) *StructureMap {
	c := *sm
	c.Content = append([]byte(nil), sm.Content...)
	return &c
}

func (r *memoryRepo) Create(_ context.Context, sm *StructureMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sm.ID = uuid.New()
	if sm.FHIRID == "" {
		sm.FHIRID = sm.ID.String()
	}
	now := time.Now().UTC()
	sm.VersionID = 1
	sm.CreatedAt, sm.UpdatedAt = now, now
	r.data[sm.ID] = clone(sm)
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*StructureMap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sm, ok := r.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sm), nil
}

func (r *memoryRepo) GetByFHIRID(_ context.Context, fhirID string) (*StructureMap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sm := range r.data {
		if sm.FHIRID == fhirID {
			return clone(sm), nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepo) GetByURL(_ context.Context, url string) (*StructureMap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *StructureMap
	for _, sm := range r.data {
		if sm.URL == url && (found == nil || sm.UpdatedAt.After(found.UpdatedAt)) {
			found = sm
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return clone(found), nil
}

func (r *memoryRepo) Update(_ context.Context, sm *StructureMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.data[sm.ID]
	if !ok {
		return ErrNotFound
	}
	sm.CreatedAt = existing.CreatedAt
	sm.VersionID = existing.VersionID + 1
	sm.UpdatedAt = time.Now().UTC()
	r.data[sm.ID] = clone(sm)
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

func (r *memoryRepo) List(ctx context.Context, limit, offset int) ([]*StructureMap, int, error) {
	return r.Search(ctx, nil, limit, offset)
}

func (r *memoryRepo) Search(_ context.Context, params map[string]string, limit, offset int) ([]*StructureMap, int, error) {
	r.mu.RLock()
	var matched []*StructureMap
	for _, sm := range r.data {
		if matches(sm, params) {
			matched = append(matched, clone(sm))
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

func matches(sm *StructureMap, params map[string]string) bool {
	for key, value := range params {
		name, modifier := fhir.ParseParamModifier(key)
		switch name {
		case "status":
			if sm.Status != value {
				return false
			}
		case "url":
			if sm.URL != value {
				return false
			}
		case "_id", "id":
			if sm.FHIRID != value {
				return false
			}
		case "name":
			if !fhir.MatchString(sm.Name, value, modifier) {
				return false
			}
		case "title":
			if sm.Title == nil || !fhir.MatchString(*sm.Title, value, modifier) {
				return false
			}
		}
	}
	return true
}
