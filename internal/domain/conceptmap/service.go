package conceptmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ehr/fhirmap/internal/mapping"
	"github.com/ehr/fhirmap/internal/platform/fhir"
)

// Service stores ConceptMaps and keeps an in-memory translator in step with
// the repository. It implements mapping.Translator.
type Service struct {
	repo       ConceptMapRepository
	translator *fhir.ConceptMapTranslator
	logger     zerolog.Logger
}

var _ mapping.Translator = (*Service)(nil)

func NewService(repo ConceptMapRepository, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		translator: fhir.NewConceptMapTranslator(),
		logger:     logger.With().Str("component", "conceptmap").Logger(),
	}
}

// Translator exposes the live translator for the $translate endpoints.
func (s *Service) Translator() *fhir.ConceptMapTranslator { return s.translator }

// ErrInvalid marks a ConceptMap rejected by validation.
var ErrInvalid = errors.New("invalid concept map")

var validConceptMapStatuses = map[string]bool{
	"draft": true, "active": true, "retired": true, "unknown": true,
}

func (s *Service) validate(cm *ConceptMap) (*fhir.ConceptMap, error) {
	if cm.Status == "" {
		cm.Status = "draft"
	}
	if !validConceptMapStatuses[cm.Status] {
		return nil, fmt.Errorf("%w: status %q", ErrInvalid, cm.Status)
	}
	compiled, err := cm.Compile()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return compiled, nil
}

func (s *Service) CreateConceptMap(ctx context.Context, cm *ConceptMap) error {
	if _, err := s.validate(cm); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, cm); err != nil {
		return err
	}
	return s.register(cm)
}

func (s *Service) GetConceptMap(ctx context.Context, id uuid.UUID) (*ConceptMap, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetConceptMapByFHIRID(ctx context.Context, fhirID string) (*ConceptMap, error) {
	return s.repo.GetByFHIRID(ctx, fhirID)
}

func (s *Service) UpdateConceptMap(ctx context.Context, cm *ConceptMap) error {
	if _, err := s.validate(cm); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, cm); err != nil {
		return err
	}
	return s.register(cm)
}

func (s *Service) DeleteConceptMap(ctx context.Context, id uuid.UUID) error {
	cm, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.translator.Remove(cm.FHIRID)
	return nil
}

func (s *Service) SearchConceptMaps(ctx context.Context, params map[string]string, limit, offset int) ([]*ConceptMap, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}

func (s *Service) register(cm *ConceptMap) error {
	compiled, err := cm.Compile()
	if err != nil {
		return err
	}
	s.translator.Register(compiled)
	return nil
}

// Load registers every stored map with the translator. It is called once at
// startup before requests are served.
func (s *Service) Load(ctx context.Context) (int, error) {
	const page = 100
	count := 0
	for offset := 0; ; offset += page {
		items, total, err := s.repo.List(ctx, page, offset)
		if err != nil {
			return count, fmt.Errorf("list concept maps: %w", err)
		}
		for _, cm := range items {
			if err := s.register(cm); err != nil {
				s.logger.Warn().Err(err).Str("fhir_id", cm.FHIRID).Msg("skipping unreadable concept map")
				continue
			}
			count++
		}
		if offset+page >= total || len(items) == 0 {
			break
		}
	}
	return count, nil
}

// LoadDir stores every .json, .yaml and .yml ConceptMap in dir. A map whose
// url or id is already stored is replaced.
func (s *Service) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read concept map directory: %w", err)
	}
	count := 0
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".json" && ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := s.loadFile(ctx, path, ext); err != nil {
			return count, fmt.Errorf("load %s: %w", path, err)
		}
		count++
	}
	return count, nil
}

func (s *Service) loadFile(ctx context.Context, path, ext string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if ext != ".json" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("yaml: %w", err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return fmt.Errorf("yaml: %w", err)
		}
	}
	cm, _, err := FromFHIR(data)
	if err != nil {
		return err
	}

	existing, err := s.existing(ctx, cm)
	switch {
	case errors.Is(err, ErrNotFound):
		err = s.CreateConceptMap(ctx, cm)
	case err == nil:
		cm.ID, cm.FHIRID = existing.ID, existing.FHIRID
		err = s.UpdateConceptMap(ctx, cm)
	}
	if err != nil {
		return err
	}
	s.logger.Debug().Str("path", path).Str("fhir_id", cm.FHIRID).Msg("concept map loaded")
	return nil
}

func (s *Service) existing(ctx context.Context, cm *ConceptMap) (*ConceptMap, error) {
	if cm.URL != nil {
		items, _, err := s.repo.Search(ctx, map[string]string{"url": *cm.URL}, 1, 0)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			return items[0], nil
		}
	}
	if cm.FHIRID != "" {
		return s.repo.GetByFHIRID(ctx, cm.FHIRID)
	}
	return nil, ErrNotFound
}

// Translate resolves req.MapRef by url, id or name and returns the first
// usable target. A map without an entry for the code is a miss (nil, nil);
// an unknown map is an error.
func (s *Service) Translate(ctx context.Context, req mapping.TranslateRequest) (*mapping.Translation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := s.translator.Translate(&fhir.TranslateRequest{
		Code:          req.Code,
		System:        req.System,
		TargetSystem:  req.TargetSystem,
		ConceptMapURL: req.MapRef,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Result {
		return nil, nil
	}
	m := resp.Matches[0]
	return &mapping.Translation{System: m.System, Code: m.Code, Display: m.Display}, nil
}
