package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/JonMunkholm/gndimport/internal/config"
	"github.com/JonMunkholm/gndimport/internal/events"
	"github.com/JonMunkholm/gndimport/internal/importer"
	"github.com/JonMunkholm/gndimport/internal/logging"
	"github.com/JonMunkholm/gndimport/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type importOptions struct {
	project  string
	layer    string
	workers  int
	dryRun   bool
	backend  string
	logLevel string
}

func newImportCmd() *cobra.Command {
	var opts importOptions

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import one CSV file (- for stdin)",
		Long: `Import reads a CSV file with a header row and stores one feature per row
with valid lat/lng columns. Rows without usable coordinates are skipped.

With --dry-run nothing is stored; the features are printed as a GeoJSON
FeatureCollection instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.project, "project", "", "Project ID (required)")
	cmd.Flags().StringVar(&opts.layer, "layer", "", "Layer ID (required)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Concurrent inserts (default: IMPORT_WORKERS)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Print GeoJSON instead of storing features")
	cmd.Flags().StringVar(&opts.backend, "store", "", "Store backend: postgres, firestore, memory (default: STORE_BACKEND)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level (default: LOG_LEVEL)")

	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("layer")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		opts.project = strings.TrimSpace(opts.project)
		opts.layer = strings.TrimSpace(opts.layer)
		if opts.project == "" || opts.layer == "" {
			return errors.New("--project and --layer must not be empty")
		}
		if opts.workers < 0 {
			return errors.New("--workers must not be negative")
		}
		return nil
	}

	return cmd
}

func runImport(ctx context.Context, cmd *cobra.Command, opts importOptions, path string) error {
	// Existing environment wins over .env for the CLI.
	_ = godotenv.Load()

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logging.Setup(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)

	src, size, closeSrc, err := openSource(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}
	defer closeSrc()

	workers := cfg.Import.Workers
	if opts.workers > 0 {
		workers = opts.workers
	}

	var (
		fs        importer.FeatureStore
		preview   *store.GeoJSONWriter
		notifier  importer.Notifier
		storeName = cfg.Store.Backend
	)
	if opts.dryRun {
		preview = store.NewGeoJSONWriter()
		fs = preview
		storeName = "geojson"
		// One worker keeps the output in file order.
		workers = 1
	} else {
		backend, closeStore, err := store.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		fs = backend

		if cfg.Events.Enabled() {
			pub, err := events.Dial(events.Config{
				URL:      cfg.Events.URL,
				Exchange: cfg.Events.Exchange,
				Timeout:  cfg.Events.PublishTimeout,
			})
			if err != nil {
				logging.FromContext(ctx).Warn("import events disabled", "error", err)
			} else {
				defer pub.Close()
				notifier = pub
			}
		}
	}

	im := importer.New(fs, importer.Options{
		Workers:   workers,
		Timeout:   cfg.Upload.Timeout,
		Notifier:  notifier,
		StoreName: storeName,
	})
	res, err := im.Import(ctx, importer.Request{
		ProjectID: opts.project,
		LayerID:   opts.layer,
		Source:    src,
		FileName:  path,
		Size:      size,
	})
	if err != nil {
		msg := importer.MapError(err)
		return fmt.Errorf("%s (%s): %w", msg.Message, msg.Code, err)
	}

	if preview != nil {
		if _, err := preview.WriteTo(cmd.OutOrStdout()); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "imported %d of %d rows into %s/%s (%d dropped) in %s\n",
		res.Inserted, res.Rows, res.ProjectID, res.LayerID, res.Dropped, res.Duration.Round(time.Millisecond))
	return nil
}

// loadConfig reads the environment and applies the flags that override it.
func loadConfig(opts importOptions) (*config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if opts.backend != "" {
		cfg.Store.Backend = opts.backend
	}
	if opts.dryRun {
		cfg.Store.Backend = config.BackendMemory
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// openSource opens path, or stdin for "-". Size is 0 when unknown.
func openSource(stdin io.Reader, path string) (io.Reader, int64, func(), error) {
	if path == "-" {
		return stdin, 0, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, nil, err
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	return f, size, func() { _ = f.Close() }, nil
}
