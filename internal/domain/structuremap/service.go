package structuremap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirmap/internal/extraction"
	"github.com/ehr/fhirmap/internal/mapping"
)

type Service struct {
	repo   StructureMapRepository
	opts   []mapping.Option
	logger zerolog.Logger

	mu      sync.Mutex
	engines map[uuid.UUID]compiledMap
}

// compiledMap is an engine built from one stored version of a map.
type compiledMap struct {
	version int
	engine  *mapping.Engine
}

// NewService creates the StructureMap service. opts are applied to every
// engine it builds (translator, miss policy, depth limit).
func NewService(repo StructureMapRepository, logger zerolog.Logger, opts ...mapping.Option) *Service {
	return &Service{
		repo:    repo,
		opts:    opts,
		logger:  logger.With().Str("component", "structuremap").Logger(),
		engines: make(map[uuid.UUID]compiledMap),
	}
}

var validStatuses = map[string]bool{
	"draft": true, "active": true, "retired": true, "unknown": true,
}

// validate checks the row and its document. Document problems come back as
// mapping errors so callers can tell them apart with mapping.IsStructural.
func (s *Service) validate(sm *StructureMap) error {
	if _, err := sm.Parse(); err != nil {
		return err
	}
	if sm.URL == "" {
		return fmt.Errorf("url is required")
	}
	if sm.Name == "" {
		return fmt.Errorf("name is required")
	}
	if sm.Status == "" {
		sm.Status = "draft"
	}
	if !validStatuses[sm.Status] {
		return fmt.Errorf("invalid status: %s", sm.Status)
	}
	return nil
}

func (s *Service) CreateStructureMap(ctx context.Context, sm *StructureMap) error {
	if err := s.validate(sm); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, sm); err != nil {
		return err
	}
	s.logger.Info().Str("fhir_id", sm.FHIRID).Str("url", sm.URL).Msg("structure map created")
	return nil
}

func (s *Service) GetStructureMap(ctx context.Context, id uuid.UUID) (*StructureMap, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetStructureMapByFHIRID(ctx context.Context, fhirID string) (*StructureMap, error) {
	return s.repo.GetByFHIRID(ctx, fhirID)
}

func (s *Service) GetStructureMapByURL(ctx context.Context, url string) (*StructureMap, error) {
	return s.repo.GetByURL(ctx, url)
}

func (s *Service) UpdateStructureMap(ctx context.Context, sm *StructureMap) error {
	if err := s.validate(sm); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, sm); err != nil {
		return err
	}
	s.forget(sm.ID)
	return nil
}

func (s *Service) DeleteStructureMap(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.forget(id)
	return nil
}

func (s *Service) SearchStructureMaps(ctx context.Context, params map[string]string, limit, offset int) ([]*StructureMap, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}

func (s *Service) forget(id uuid.UUID) {
	s.mu.Lock()
	delete(s.engines, id)
	s.mu.Unlock()
}

// Engine returns the engine for the stored version of sm, building it on
// first use.
func (s *Service) Engine(sm *StructureMap) (*mapping.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.engines[sm.ID]; ok && c.version == sm.VersionID {
		return c.engine, nil
	}
	m, err := sm.Parse()
	if err != nil {
		return nil, err
	}
	e := mapping.NewEngine(m, s.engineOptions()...)
	s.engines[sm.ID] = compiledMap{version: sm.VersionID, engine: e}
	return e, nil
}

func (s *Service) engineOptions() []mapping.Option {
	opts := make([]mapping.Option, 0, len(s.opts)+1)
	opts = append(opts, mapping.WithLogger(s.logger))
	return append(opts, s.opts...)
}

// Resolve finds a stored map by canonical URL or id. The returned Map is
// the one held by the cached engine, so repeated calls for an unchanged map
// return the same pointer.
func (s *Service) Resolve(ctx context.Context, ref string) (*mapping.Map, error) {
	sm, err := s.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	e, err := s.Engine(sm)
	if err != nil {
		return nil, err
	}
	return e.Map(), nil
}

// Extractor returns a questionnaire extractor that resolves maps through
// this service and builds engines with the service's options.
func (s *Service) Extractor(opts ...extraction.Option) *extraction.Extractor {
	base := []extraction.Option{
		extraction.WithEngineOptions(s.opts...),
		extraction.WithLogger(s.logger),
	}
	return extraction.New(extraction.ResolverProvider(s.Resolve), append(base, opts...)...)
}

func (s *Service) lookup(ctx context.Context, ref string) (*StructureMap, error) {
	sm, err := s.repo.GetByURL(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		sm, err = s.repo.GetByFHIRID(ctx, ref)
	}
	return sm, err
}

// Transform runs the stored map against source. targetType may be empty to
// use the type declared by the map's default group.
func (s *Service) Transform(ctx context.Context, sm *StructureMap, source *mapping.Node, targetType string) (*mapping.Result, error) {
	e, err := s.Engine(sm)
	if err != nil {
		return nil, err
	}
	return e.Transform(ctx, source, targetType)
}

// TransformByRef resolves the map by canonical URL or id and runs it.
func (s *Service) TransformByRef(ctx context.Context, ref string, source *mapping.Node, targetType string) (*mapping.Result, error) {
	sm, err := s.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.Transform(ctx, sm, source, targetType)
}

// TransformContent runs a map supplied inline without storing it.
func (s *Service) TransformContent(ctx context.Context, content []byte, source *mapping.Node, targetType string) (*mapping.Result, error) {
	m, err := mapping.Parse(content)
	if err != nil {
		return nil, err
	}
	return mapping.NewEngine(m, s.engineOptions()...).Transform(ctx, source, targetType)
}

// LoadDir stores every .json, .yaml and .yml map in dir, replacing maps with
// the same canonical URL. It returns the number of maps loaded.
func (s *Service) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read map directory: %w", err)
	}
	count := 0
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".json" && ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := s.loadFile(ctx, path); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *Service) loadFile(ctx context.Context, path string) error {
	m, err := mapping.ParseFile(path)
	if err != nil {
		return err
	}
	// Canonical JSON so YAML sources are stored the same way.
	content, err := mapping.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	sm, _, err := FromFHIR(content)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	existing, err := s.repo.GetByURL(ctx, sm.URL)
	switch {
	case errors.Is(err, ErrNotFound):
		err = s.CreateStructureMap(ctx, sm)
	case err == nil:
		sm.ID, sm.FHIRID = existing.ID, existing.FHIRID
		err = s.UpdateStructureMap(ctx, sm)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	s.logger.Debug().Str("path", path).Str("url", sm.URL).Msg("structure map loaded")
	return nil
}
