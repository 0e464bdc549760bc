package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirmap/internal/config"
	"github.com/ehr/fhirmap/internal/domain/conceptmap"
	"github.com/ehr/fhirmap/internal/extraction"
	"github.com/ehr/fhirmap/internal/mapping"
)

// errWriter receives CLI logs so that stdout carries only results.
var errWriter io.Writer = os.Stderr

// offline is the state of a command that maps files without a server: the
// configuration plus an in-memory ConceptMap translator.
type offline struct {
	cfg    *config.Config
	logger zerolog.Logger
	opts   []mapping.Option
}

func newOffline(ctx context.Context, conceptDir string) (*offline, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(errWriter, cfg.IsDev())

	policy, err := cfg.TranslateMissPolicy()
	if err != nil {
		return nil, err
	}
	concepts := conceptmap.NewService(conceptmap.NewConceptMapRepoMemory(), logger)
	if conceptDir == "" {
		conceptDir = cfg.ConceptMapDir
	}
	if conceptDir != "" {
		n, err := concepts.LoadDir(ctx, conceptDir)
		if err != nil {
			return nil, err
		}
		logger.Debug().Int("count", n).Str("dir", conceptDir).Msg("concept maps registered")
	}

	return &offline{
		cfg:    cfg,
		logger: logger,
		opts: []mapping.Option{
			mapping.WithTranslator(concepts),
			mapping.WithTranslateMissPolicy(policy),
			mapping.WithMaxDepth(cfg.MappingMaxDepth),
			mapping.WithLogger(logger),
		},
	}, nil
}

func transformCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transform [flags] <input.json>",
		Short: "Run a StructureMap against one resource and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mapPath, _ := cmd.Flags().GetString("map")
			target, _ := cmd.Flags().GetString("target")
			conceptDir, _ := cmd.Flags().GetString("concept-maps")

			ctx := cmd.Context()
			o, err := newOffline(ctx, conceptDir)
			if err != nil {
				return err
			}
			m, err := mapping.ParseFile(mapPath)
			if err != nil {
				return err
			}
			input, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			out, err := transformFile(ctx, mapping.NewEngine(m, o.opts...), input, target)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(out, '\n'))
			return err
		},
	}
	cmd.Flags().String("map", "", "StructureMap file (.json, .yaml or .yml)")
	cmd.Flags().String("target", "", "Target resource type; defaults to the map's declared type")
	cmd.Flags().String("concept-maps", "", "Directory of ConceptMaps for translate (defaults to CONCEPT_MAP_DIR)")
	_ = cmd.MarkFlagRequired("map")
	return cmd
}

// transformFile maps one JSON document and returns the indented result.
func transformFile(ctx context.Context, e *mapping.Engine, input []byte, target string) ([]byte, error) {
	src, err := mapping.FromJSON(input)
	if err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	res, err := e.Transform(ctx, src, target)
	if err != nil {
		return nil, err
	}
	raw, err := res.Target.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func extractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract [flags] <response.json|dir>...",
		Short: "Extract QuestionnaireResponses into Bundles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mapPath, _ := cmd.Flags().GetString("map")
			outDir, _ := cmd.Flags().GetString("out")
			conceptDir, _ := cmd.Flags().GetString("concept-maps")
			upload, _ := cmd.Flags().GetBool("upload")

			ctx := cmd.Context()
			o, err := newOffline(ctx, conceptDir)
			if err != nil {
				return err
			}
			m, err := mapping.ParseFile(mapPath)
			if err != nil {
				return err
			}
			paths, err := inputFiles(args)
			if err != nil {
				return err
			}
			responses := make([][]byte, len(paths))
			for i, p := range paths {
				if responses[i], err = os.ReadFile(p); err != nil {
					return err
				}
			}

			x := extraction.New(extraction.StaticMap(m),
				extraction.WithEngineOptions(o.opts...),
				extraction.WithWorkers(o.cfg.ExtractWorker),
				extraction.WithLogger(o.logger))
			results, err := x.BatchExtract(ctx, responses)
			if err != nil {
				return err
			}
			for _, f := range extraction.Failed(results) {
				o.logger.Error().Err(f.Err).Str("file", paths[f.Index]).Msg("extraction failed")
			}

			if err := writeBundles(cmd.OutOrStdout(), outDir, paths, results); err != nil {
				return err
			}
			if upload {
				if err := uploadResults(ctx, o.cfg, o.logger, results); err != nil {
					return err
				}
			}
			if failed := len(extraction.Failed(results)); failed > 0 {
				return fmt.Errorf("%d of %d responses failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().String("map", "", "StructureMap file (.json, .yaml or .yml)")
	cmd.Flags().String("out", "", "Directory for <name>.bundle.json files; stdout when empty")
	cmd.Flags().String("concept-maps", "", "Directory of ConceptMaps for translate (defaults to CONCEPT_MAP_DIR)")
	cmd.Flags().Bool("upload", false, "Post the Bundles to SYNC_BASE_URL")
	_ = cmd.MarkFlagRequired("map")
	return cmd
}

// inputFiles expands directory arguments to the .json files they contain.
func inputFiles(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !entry.IsDir() && strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
				paths = append(paths, filepath.Join(arg, entry.Name()))
			}
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no input files")
	}
	return paths, nil
}

// writeBundles writes each successful Bundle next to its input name in dir,
// or one per line to w when dir is empty.
func writeBundles(w io.Writer, dir string, paths []string, results []extraction.Outcome) error {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		if dir == "" {
			if _, err := w.Write(append(r.Bundle, '\n')); err != nil {
				return err
			}
			continue
		}
		name := strings.TrimSuffix(filepath.Base(paths[r.Index]), filepath.Ext(paths[r.Index])) + ".bundle.json"
		if err := os.WriteFile(filepath.Join(dir, name), r.Bundle, 0o644); err != nil {
			return err
		}
	}
	return nil
}
