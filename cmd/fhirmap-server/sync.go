package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirmap/internal/config"
	"github.com/ehr/fhirmap/internal/datasync"
	"github.com/ehr/fhirmap/internal/extraction"
	"github.com/ehr/fhirmap/internal/platform/fhir"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Exchange Bundles with the FHIR server at SYNC_BASE_URL",
	}

	download := &cobra.Command{
		Use:   "download <search>",
		Short: "Fetch a search such as \"QuestionnaireResponse?status=completed\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			cfg, logger, err := syncConfig()
			if err != nil {
				return err
			}
			ds, err := newDataSource(cfg, logger)
			if err != nil {
				return err
			}

			var res *fhir.RawResource
			err = datasync.Retry(cmd.Context(), datasync.DefaultRetryPolicy, func(ctx context.Context) error {
				var err error
				res, err = ds.Download(ctx, args[0])
				return err
			})
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(append(res.Body, '\n'))
				return err
			}
			return os.WriteFile(out, res.Body, 0o644)
		},
	}
	download.Flags().String("out", "", "Write the Bundle to this file instead of stdout")
	cmd.AddCommand(download)

	cmd.AddCommand(&cobra.Command{
		Use:   "upload <bundle.json>...",
		Short: "Post batch or transaction Bundles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := syncConfig()
			if err != nil {
				return err
			}
			ds, err := newDataSource(cfg, logger)
			if err != nil {
				return err
			}
			failed := 0
			for _, path := range args {
				body, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if err := uploadBundle(cmd.Context(), ds, logger, body); err != nil {
					logger.Error().Err(err).Str("file", path).Msg("upload failed")
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", failed, len(args))
			}
			return nil
		},
	})
	return cmd
}

func syncConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(errWriter, cfg.IsDev()), nil
}

func newDataSource(cfg *config.Config, logger zerolog.Logger) (*datasync.HTTPDataSource, error) {
	if cfg.SyncBaseURL == "" {
		return nil, fmt.Errorf("SYNC_BASE_URL is not set")
	}
	opts := []datasync.Option{
		datasync.WithHTTPClient(&http.Client{Timeout: cfg.SyncTimeout}),
		datasync.WithRateLimit(cfg.SyncRateRPS, 1),
		datasync.WithLogger(logger),
	}
	if cfg.SyncToken != "" {
		opts = append(opts, datasync.WithBearerToken(cfg.SyncToken))
	}
	return datasync.NewHTTPDataSource(cfg.SyncBaseURL, opts...), nil
}

// uploadBundle posts one Bundle with retries and reports entries the server
// rejected.
func uploadBundle(ctx context.Context, ds datasync.DataSource, logger zerolog.Logger, body []byte) error {
	var res *fhir.RawResource
	err := datasync.Retry(ctx, datasync.DefaultRetryPolicy, func(ctx context.Context) error {
		var err error
		res, err = ds.Upload(ctx, body)
		return err
	})
	if err != nil {
		return err
	}
	resp, err := fhir.ParseBundle(res.Body)
	if err != nil {
		return fmt.Errorf("read response bundle: %w", err)
	}
	rejected := 0
	for i, entry := range resp.Entry {
		if entry.Response != nil && !strings.HasPrefix(entry.Response.Status, "2") {
			rejected++
			logger.Warn().Int("entry", i).Str("status", entry.Response.Status).Msg("entry rejected")
		}
	}
	logger.Info().Int("entries", len(resp.Entry)).Int("rejected", rejected).Msg("bundle uploaded")
	if rejected > 0 {
		return fmt.Errorf("%d of %d entries rejected", rejected, len(resp.Entry))
	}
	return nil
}

// uploadResults posts every successfully extracted Bundle.
func uploadResults(ctx context.Context, cfg *config.Config, logger zerolog.Logger, results []extraction.Outcome) error {
	ds, err := newDataSource(cfg, logger)
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		if err := uploadBundle(ctx, ds, logger, r.Bundle); err != nil {
			logger.Error().Err(err).Int("index", r.Index).Msg("upload failed")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d bundles failed to upload", failed)
	}
	return nil
}
