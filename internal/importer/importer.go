// Package importer runs the CSV-to-feature pipeline: parse rows lazily, map
// each row to a feature, and persist accepted features through a bounded pool
// of concurrent inserts.
//
// # Flow
//
//  1. The caller hands Import a Request with the project, the layer and the
//     CSV stream.
//  2. The stream is wrapped for BOM skipping, UTF-8 sanitizing and byte
//     counting, then read one row at a time.
//  3. Rows without valid coordinates are dropped and counted. Every other
//     row is inserted in its own goroutine; at most Workers inserts are in
//     flight, and reading pauses while the pool is full.
//  4. The first failed insert cancels the import: Import returns without
//     waiting for the next row, and no further insert starts. Inserts that
//     already succeeded stay.
//
// # Errors
//
// All failures surface as one error from Import. Use [MapError] and
// [StatusCode] to turn it into a response.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/JonMunkholm/gndimport/internal/csvstream"
	"github.com/JonMunkholm/gndimport/internal/feature"
	"github.com/JonMunkholm/gndimport/internal/logging"
	"github.com/JonMunkholm/gndimport/internal/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the insert parallelism used when Options.Workers is not
// positive.
const DefaultWorkers = 8

// FeatureStore persists one feature. Implementations must be safe for
// concurrent use.
type FeatureStore interface {
	InsertFeature(ctx context.Context, projectID, layerID string, rec *feature.Record) error
}

// Notifier is told about every finished import, successful or not.
type Notifier interface {
	ImportFinished(ctx context.Context, res *Result, err error)
}

// Request is one CSV upload for a single layer.
type Request struct {
	ProjectID string
	LayerID   string
	Source    io.Reader
	FileName  string // for logs only
	Size      int64  // 0 if unknown
}

// Result summarizes an import. It is returned even when Import fails so the
// caller can see how far the import got.
type Result struct {
	ImportID  string        `json:"import_id"`
	ProjectID string        `json:"project_id"`
	LayerID   string        `json:"layer_id"`
	FileName  string        `json:"file_name,omitempty"`
	Rows      int           `json:"rows"`
	Inserted  int           `json:"inserted"`
	Dropped   int           `json:"dropped"`
	BytesRead int64         `json:"bytes_read"`
	Duration  time.Duration `json:"duration"`
}

// Options configures an Importer.
type Options struct {
	// Workers caps concurrent inserts per import.
	Workers int

	// Timeout bounds one import. Zero means no limit beyond the caller's ctx.
	Timeout time.Duration

	// Limiter caps concurrent imports across callers. Nil means unlimited.
	Limiter *Limiter

	// Notifier receives finished imports. Nil disables notifications.
	Notifier Notifier

	// StoreName labels insert latency metrics.
	StoreName string
}

// Importer is safe for concurrent use; one instance serves all requests.
type Importer struct {
	store     FeatureStore
	workers   int
	timeout   time.Duration
	limiter   *Limiter
	notifier  Notifier
	storeName string
}

// New returns an Importer writing to store.
func New(store FeatureStore, opts Options) *Importer {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	storeName := opts.StoreName
	if storeName == "" {
		storeName = "default"
	}
	return &Importer{
		store:     store,
		workers:   workers,
		timeout:   opts.Timeout,
		limiter:   opts.Limiter,
		notifier:  opts.Notifier,
		storeName: storeName,
	}
}

// Limiter returns the import limiter, or nil.
func (im *Importer) Limiter() *Limiter {
	return im.limiter
}

// Import reads req.Source to the end (or to the first failure) and inserts
// one feature per row with valid coordinates.
//
// It returns ErrMissingFields when the project or layer is empty,
// ErrTooManyImports when no slot frees up in time, an error wrapping
// ErrMalformedCSV for structural CSV problems, a *RowError when the store
// rejects a feature, or the context's error on cancellation.
//
// Import returns as soon as an insert fails, even while a read from
// req.Source is still blocked. It does not close req.Source; a read in
// progress ends when the caller closes the source or drops the connection.
func (im *Importer) Import(ctx context.Context, req Request) (*Result, error) {
	if req.ProjectID == "" || req.LayerID == "" {
		return nil, ErrMissingFields
	}

	if im.limiter != nil {
		if err := im.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		defer im.limiter.Release()
	}

	if im.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, im.timeout)
		defer cancel()
	}

	start := time.Now()
	res := &Result{
		ImportID:  uuid.NewString(),
		ProjectID: req.ProjectID,
		LayerID:   req.LayerID,
		FileName:  req.FileName,
	}
	logger := logging.ForImport(ctx, res.ImportID, req.ProjectID, req.LayerID)
	logger.Info("import started", "file", req.FileName, "size", req.Size)

	src, counter := csvstream.Wrap(req.Source, req.Size)
	rows := csvstream.NewRowReader(src)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.workers)

	var inserted atomic.Int64
	var readErr error

	// The reader runs ahead by at most one row. It can stay blocked in the
	// source after Import returns; the caller unblocks it by closing the
	// source or its connection.
	next := make(chan rowRead)
	stop := make(chan struct{})
	defer close(stop)
	go readRows(rows, next, stop)

loop:
	for {
		var rr rowRead
		select {
		case <-gctx.Done():
			break loop
		case rr = <-next:
		}
		if gctx.Err() != nil {
			break loop
		}
		if errors.Is(rr.err, io.EOF) {
			break loop
		}
		if rr.err != nil {
			readErr = rr.err
			break loop
		}
		row := rr.row
		res.Rows++

		rec := feature.MapRow(row, req.LayerID)
		if rec == nil {
			res.Dropped++
			logger.Debug("row dropped: no valid coordinates", "line", row.Line)
			continue
		}

		line := row.Line
		// Go blocks while all workers are busy, which throttles the parser.
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := im.insert(gctx, req, rec); err != nil {
				return &RowError{Line: line, Err: err}
			}
			inserted.Add(1)
			return nil
		})
	}

	insertErr := g.Wait()

	res.Inserted = int(inserted.Load())
	res.BytesRead = counter.BytesRead()
	res.Duration = time.Since(start)

	err := outcome(ctx, insertErr, readErr)
	im.record(res, err)

	if err != nil {
		logger.Error("import failed",
			"error", err,
			"rows", res.Rows,
			"inserted", res.Inserted,
			"dropped", res.Dropped,
			"duration_ms", res.Duration.Milliseconds(),
		)
	} else {
		logger.Info("import completed",
			"rows", res.Rows,
			"inserted", res.Inserted,
			"dropped", res.Dropped,
			"bytes", res.BytesRead,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}

	if im.notifier != nil {
		im.notifier.ImportFinished(context.WithoutCancel(ctx), res, err)
	}
	return res, err
}

type rowRead struct {
	row feature.Row
	err error
}

// readRows sends rows until the first error, which is sent too, or until
// stop is closed.
func readRows(rows *csvstream.RowReader, next chan<- rowRead, stop <-chan struct{}) {
	for {
		row, err := rows.Next()
		select {
		case next <- rowRead{row: row, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (im *Importer) insert(ctx context.Context, req Request, rec *feature.Record) error {
	metrics.InsertsInFlight.Inc()
	defer metrics.InsertsInFlight.Dec()

	start := time.Now()
	err := im.store.InsertFeature(ctx, req.ProjectID, req.LayerID, rec)
	metrics.InsertDurationMs.WithLabelValues(im.storeName).Observe(float64(time.Since(start).Milliseconds()))
	return err
}

// outcome picks the error reported for the whole import. A rejected insert
// wins over everything else because it is what stopped the import.
func outcome(ctx context.Context, insertErr, readErr error) error {
	var rowErr *RowError
	if errors.As(insertErr, &rowErr) && !isContextError(rowErr.Err) {
		return rowErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if insertErr != nil {
		return insertErr
	}
	if readErr != nil {
		if errors.Is(readErr, ErrMalformedCSV) {
			return readErr
		}
		return fmt.Errorf("read upload: %w", readErr)
	}
	return nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (im *Importer) record(res *Result, err error) {
	label := "completed"
	if err != nil {
		label = "failed"
	}
	metrics.ImportsTotal.WithLabelValues(label).Inc()
	metrics.ImportDurationSeconds.Observe(res.Duration.Seconds())
	metrics.RowsTotal.WithLabelValues("inserted").Add(float64(res.Inserted))
	metrics.RowsTotal.WithLabelValues("dropped").Add(float64(res.Dropped))
	var rowErr *RowError
	if errors.As(err, &rowErr) {
		metrics.RowsTotal.WithLabelValues("failed").Inc()
	}
	metrics.BytesTotal.Add(float64(res.BytesRead))
}
