package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirmap/internal/config"
	"github.com/ehr/fhirmap/internal/domain/conceptmap"
	"github.com/ehr/fhirmap/internal/domain/structuremap"
	"github.com/ehr/fhirmap/internal/extraction"
	"github.com/ehr/fhirmap/internal/mapping"
	"github.com/ehr/fhirmap/internal/platform/auth"
	"github.com/ehr/fhirmap/internal/platform/db"
	"github.com/ehr/fhirmap/internal/platform/fhir"
	"github.com/ehr/fhirmap/internal/platform/middleware"
	"github.com/ehr/fhirmap/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirmap-server",
		Short: "FHIR StructureMap transformation server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(transformCmd())
	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(syncCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(w io.Writer, dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// loadConfig reads and validates the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the mapping API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
	return cmd
}

// app holds the stores and services shared by the server and the CLI
// commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	maps     *structuremap.Service
	concepts *conceptmap.Service
}

// newApp wires repositories and services. Without DATABASE_URL the stores
// are in memory. Concept maps are loaded first so that the translator is
// complete before any StructureMap runs.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, migrate bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var (
		smRepo structuremap.StructureMapRepository
		cmRepo conceptmap.ConceptMapRepository
	)
	if cfg.UsesDatabase() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		if migrate {
			m, err := db.NewMigrator(pool, migrations.FS, cfg.DBSchema)
			if err != nil {
				a.Close()
				return nil, err
			}
			n, err := m.Up(ctx)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("migration failed: %w", err)
			}
			logger.Info().Int("applied", n).Str("schema", cfg.DBSchema).Msg("migrations applied")
		}
		smRepo = structuremap.NewStructureMapRepoPG(pool)
		cmRepo = conceptmap.NewConceptMapRepoPG(pool)
	} else {
		logger.Warn().Msg("DATABASE_URL not set, maps are kept in memory")
		smRepo = structuremap.NewStructureMapRepoMemory()
		cmRepo = conceptmap.NewConceptMapRepoMemory()
	}

	a.concepts = conceptmap.NewService(cmRepo, logger)
	opts, err := a.engineOptions()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.maps = structuremap.NewService(smRepo, logger, opts...)

	if err := a.load(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) engineOptions() ([]mapping.Option, error) {
	policy, err := a.cfg.TranslateMissPolicy()
	if err != nil {
		return nil, err
	}
	return []mapping.Option{
		mapping.WithTranslator(a.concepts),
		mapping.WithTranslateMissPolicy(policy),
		mapping.WithMaxDepth(a.cfg.MappingMaxDepth),
	}, nil
}

// load registers stored concept maps and then the CONCEPT_MAP_DIR and
// MAP_DIR directories.
func (a *app) load(ctx context.Context) error {
	if a.pool != nil {
		connCtx, release, err := db.AcquireConn(ctx, a.pool, a.cfg.DBSchema)
		if err != nil {
			return err
		}
		defer release()
		ctx = connCtx
	}

	n, err := a.concepts.Load(ctx)
	if err != nil {
		return err
	}
	if a.cfg.ConceptMapDir != "" {
		loaded, err := a.concepts.LoadDir(ctx, a.cfg.ConceptMapDir)
		if err != nil {
			return err
		}
		n += loaded
	}
	a.logger.Info().Int("count", n).Msg("concept maps registered")

	if a.cfg.MapDir != "" {
		loaded, err := a.maps.LoadDir(ctx, a.cfg.MapDir)
		if err != nil {
			return err
		}
		a.logger.Info().Int("count", loaded).Str("dir", a.cfg.MapDir).Msg("structure maps loaded")
	}
	return nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// router builds the HTTP server: global middleware, auth, the domain routes
// and the capability statement.
func (a *app) router() *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.OperationBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
			Logger:   logger,
		}))
	}

	if a.pool != nil {
		e.Use(db.ConnMiddleware(a.pool, cfg.DBSchema))
	}

	apiV1 := e.Group("/api/v1")
	fhirGroup := e.Group("/fhir")

	if cfg.RateLimitRPS > 0 {
		rlCfg := middleware.DefaultRateLimitConfig()
		rlCfg.RequestsPerSecond = cfg.RateLimitRPS
		if cfg.RateLimitBurst > 0 {
			rlCfg.BurstSize = cfg.RateLimitBurst
		}
		rl := middleware.RateLimit(rlCfg)
		apiV1.Use(rl)
		fhirGroup.Use(rl)
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, cfg.DBSchema))

	structuremap.NewHandler(a.maps, extraction.WithWorkers(cfg.ExtractWorker)).RegisterRoutes(apiV1, fhirGroup)
	conceptmap.NewHandler(a.concepts).RegisterRoutes(apiV1, fhirGroup)

	fhir.NewCapabilityHandler(a.capabilities()).RegisterRoutes(fhirGroup)
	return e
}

func (a *app) capabilities() *fhir.CapabilityBuilder {
	b := fhir.NewCapabilityBuilder(fmt.Sprintf("http://localhost:%s/fhir", a.cfg.Port), version)
	if a.cfg.AuthIssuer != "" {
		b.TokenURL = a.cfg.AuthIssuer + "/protocol/openid-connect/token"
	}

	b.AddResource("StructureMap", fhir.DefaultInteractions(), []fhir.SearchParam{
		{Name: "url", Type: "uri"},
		{Name: "name", Type: "string"},
		{Name: "title", Type: "string"},
		{Name: "status", Type: "token"},
	})
	b.AddOperation("StructureMap", fhir.OperationCapability{
		Name:       "transform",
		Definition: "http://hl7.org/fhir/OperationDefinition/StructureMap-transform",
	})

	b.AddResource("ConceptMap", fhir.DefaultInteractions(), []fhir.SearchParam{
		{Name: "url", Type: "uri"},
		{Name: "name", Type: "string"},
		{Name: "status", Type: "token"},
		{Name: "source", Type: "uri"},
		{Name: "target", Type: "uri"},
	})
	b.AddOperation("ConceptMap", fhir.OperationCapability{
		Name:       "translate",
		Definition: "http://hl7.org/fhir/OperationDefinition/ConceptMap-translate",
	})

	b.AddOperation("QuestionnaireResponse", fhir.OperationCapability{
		Name:          "extract",
		Definition:    "http://hl7.org/fhir/uv/sdc/OperationDefinition/QuestionnaireResponse-extract",
		Documentation: "StructureMap-based extraction. The map is chosen with ?map= or by the questionnaire URL.",
	})
	return b
}

func runServer(migrate bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stdout, cfg.IsDev())

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger, migrate)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	e := a.router()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth", cfg.ResolvedAuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
