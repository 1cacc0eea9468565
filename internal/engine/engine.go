// Package engine drives every object of an event batch through the scan
// lifecycle: record creation, size policy, download, scan and the final
// reconciliation of the object store with the metadata store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"clamgate/internal/definitions"
	"clamgate/internal/metadata"
	"clamgate/internal/metrics"
	"clamgate/internal/scan"
	"clamgate/internal/storage"
	"clamgate/internal/transfer"
	pkgstorage "clamgate/pkg/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxFileSize is the size at and above which objects are
	// rejected outright.
	DefaultMaxFileSize int64 = 3_000_000_000

	// DefaultMaxScannableSize is the largest object that is scanned.
	// Objects between the two limits are accepted without a scan.
	DefaultMaxScannableSize int64 = 200_000_000
)

// Messages stored in the error field of a record.
const (
	MessageTooLarge    = "File must be less than 3GB"
	MessageInfected    = "File contains a virus"
	MessageSystemError = "System error"
)

// ObjectRef identifies one object named by an event.
type ObjectRef struct {
	Bucket string
	Key    string
}

// Event is a batch of objects to process. An event without objects is a
// scheduled tick that only refreshes the definitions.
type Event struct {
	Objects []ObjectRef
}

// Limits are the size thresholds applied to each object.
type Limits struct {
	MaxFileSize      int64
	MaxScannableSize int64
}

// DefaultLimits returns the production thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:      DefaultMaxFileSize,
		MaxScannableSize: DefaultMaxScannableSize,
	}
}

// PolicyRejection reports an object refused because of its size. It is a
// terminal, recorded outcome rather than a failure of the batch.
type PolicyRejection struct {
	Bucket string
	Key    string
	Size   int64
	Limit  int64
}

func (e *PolicyRejection) Error() string {
	return fmt.Sprintf("object %s/%s is %d bytes, limit is %d", e.Bucket, e.Key, e.Size, e.Limit)
}

// State is the terminal state an object reached.
type State string

const (
	StateClean     State = "clean"
	StateInfected  State = "infected"
	StateUnscanned State = "unscanned"
	StateOversized State = "oversized"
	StateMissing   State = "missing"
	StateError     State = "error"
)

// ObjectResult is the outcome of one object of a batch.
type ObjectResult struct {
	Bucket    string
	Key       string
	State     State
	VirusName string
	Err       error
}

// BatchResult collects the per-object results of HandleEvent.
type BatchResult struct {
	ID      string
	Objects []ObjectResult

	// DefinitionsErr is the failure of the batch's definitions refresh, if
	// any. Objects that needed a scan fail with it; objects decided by the
	// size policy alone do not.
	DefinitionsErr error
}

// Failed returns the results whose failure makes the batch fail.
func (r BatchResult) Failed() []ObjectResult {
	var failed []ObjectResult
	for _, o := range r.Objects {
		if o.State == StateError {
			failed = append(failed, o)
		}
	}
	return failed
}

// Definitions keeps virus definitions available for scanning.
type Definitions interface {
	Ensure(ctx context.Context) (definitions.Status, error)
	Sync(ctx context.Context) error
}

// Config wires an Orchestrator to its collaborators.
type Config struct {
	Objects     pkgstorage.ObjectStore
	Records     metadata.Store
	Definitions Definitions
	Downloader  *transfer.Downloader
	Scanner     scan.Scanner
	Workspace   *storage.Workspace

	Limits    Limits
	RecordTTL time.Duration
	Metrics   *metrics.Collector

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Orchestrator processes event batches.
type Orchestrator struct {
	objects     pkgstorage.ObjectStore
	records     metadata.Store
	definitions Definitions
	downloader  *transfer.Downloader
	scanner     scan.Scanner
	workspace   *storage.Workspace
	limits      Limits
	ttl         time.Duration
	metrics     *metrics.Collector
	now         func() time.Time
}

// New creates an Orchestrator. Zero limits and TTL take their defaults.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Objects == nil:
		return nil, errors.New("object store is required")
	case cfg.Records == nil:
		return nil, errors.New("record store is required")
	case cfg.Definitions == nil:
		return nil, errors.New("definitions synchronizer is required")
	case cfg.Scanner == nil:
		return nil, errors.New("scanner is required")
	case cfg.Workspace == nil:
		return nil, errors.New("workspace is required")
	}

	limits := cfg.Limits
	if limits.MaxFileSize <= 0 {
		limits.MaxFileSize = DefaultMaxFileSize
	}
	if limits.MaxScannableSize <= 0 {
		limits.MaxScannableSize = DefaultMaxScannableSize
	}

	downloader := cfg.Downloader
	if downloader == nil {
		downloader = transfer.NewDownloader(cfg.Objects, transfer.WithMetrics(cfg.Metrics))
	}

	ttl := cfg.RecordTTL
	if ttl <= 0 {
		ttl = metadata.DefaultTTL
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Orchestrator{
		objects:     cfg.Objects,
		records:     cfg.Records,
		definitions: cfg.Definitions,
		downloader:  downloader,
		scanner:     cfg.Scanner,
		workspace:   cfg.Workspace,
		limits:      limits,
		ttl:         ttl,
		metrics:     cfg.Metrics,
		now:         clock,
	}, nil
}

// HandleEvent processes every object of ev concurrently. One object failing
// does not cancel the others; the returned error joins the failures of all
// objects that ended in StateError. Infected and oversized objects are
// handled outcomes and do not fail the batch.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Event) (BatchResult, error) {
	result := BatchResult{ID: uuid.NewString()}
	log := slog.With("batch", result.ID)

	if len(ev.Objects) == 0 {
		log.Info("Refreshing virus definitions")
		if err := o.definitions.Sync(ctx); err != nil {
			log.Error("Refresh virus definitions", "err", err)
			result.DefinitionsErr = err
			o.metrics.RecordBatch("error")
			return result, fmt.Errorf("refresh definitions: %w", err)
		}
		o.metrics.RecordBatch("success")
		return result, nil
	}

	refs := dedupe(ev.Objects)
	log.Info("Processing batch", "objects", len(refs))

	defs := startDefinitions(ctx, o.definitions, log)

	result.Objects = make([]ObjectResult, len(refs))
	var g errgroup.Group
	for i, ref := range refs {
		g.Go(func() error {
			result.Objects[i] = o.processObject(ctx, log, ref, defs)
			return nil
		})
	}
	_ = g.Wait()

	// The refresh is never left running past the batch.
	result.DefinitionsErr = defs.wait(ctx)

	var errs []error
	for _, r := range result.Objects {
		o.metrics.RecordObject(string(r.State))
		if r.State == StateError {
			errs = append(errs, fmt.Errorf("%s/%s: %w", r.Bucket, r.Key, r.Err))
		}
	}

	if len(errs) > 0 {
		o.metrics.RecordBatch("error")
		return result, fmt.Errorf("%d of %d objects failed: %w", len(errs), len(refs), errors.Join(errs...))
	}

	o.metrics.RecordBatch("success")
	log.Info("Processed batch", "objects", len(refs))
	return result, nil
}

func dedupe(refs []ObjectRef) []ObjectRef {
	seen := make(map[ObjectRef]bool, len(refs))
	out := make([]ObjectRef, 0, len(refs))
	for _, ref := range refs {
		if seen[ref] {
			slog.Debug("Skipping duplicate object in batch", "bucket", ref.Bucket, "key", ref.Key)
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

func (o *Orchestrator) processObject(ctx context.Context, log *slog.Logger, ref ObjectRef, defs *definitionsFuture) ObjectResult {
	log = log.With("bucket", ref.Bucket, "key", ref.Key)
	res := ObjectResult{Bucket: ref.Bucket, Key: ref.Key}

	info, err := o.objects.HeadObject(ctx, ref.Bucket, ref.Key)
	if err != nil {
		if pkgstorage.IsNotFound(err) {
			log.Info("Object no longer exists")
			res.State = StateMissing
			return res
		}
		log.Error("Lookup object", "err", err)
		res.State, res.Err = StateError, err
		return res
	}

	rec := metadata.NewObjectRecord(ref.Bucket, ref.Key, info.Metadata, info.Size, o.now(), o.ttl)
	if err := o.records.PutRecord(ctx, rec); err != nil {
		log.Error("Create record", "err", err)
		res.State, res.Err = StateError, err
		return res
	}

	switch {
	case info.Size >= o.limits.MaxFileSize:
		log.Info("Object is too large, deleting", "size", info.Size, "limit", o.limits.MaxFileSize)
		if err := o.deleteWithError(ctx, rec, MessageTooLarge); err != nil {
			log.Error("Reject oversized object", "err", err)
			res.State, res.Err = StateError, err
			return res
		}
		res.State = StateOversized
		res.Err = &PolicyRejection{Bucket: ref.Bucket, Key: ref.Key, Size: info.Size, Limit: o.limits.MaxFileSize}
		return res

	case info.Size > o.limits.MaxScannableSize:
		log.Info("Object is too large to scan, accepting", "size", info.Size)
		if err := o.complete(ctx, rec); err != nil {
			log.Error("Complete record", "err", err)
			res.State, res.Err = StateError, err
			return res
		}
		res.State = StateUnscanned
		return res
	}

	outcome, err := o.scanObject(ctx, log, ref, info.Size, defs)
	if err != nil {
		log.Error("Scan object", "err", err)
		res.State, res.Err = StateError, o.fail(ctx, rec, err)
		return res
	}

	if outcome.Infected {
		log.Warn("Virus found, deleting object", "virus", outcome.VirusName)
		rec.VirusStatus = metadata.VirusInfected
		rec.VirusName = outcome.VirusName
		res.VirusName = outcome.VirusName
		if err := o.deleteWithError(ctx, rec, MessageInfected); err != nil {
			log.Error("Remove infected object", "err", err)
			res.State, res.Err = StateError, err
			return res
		}
		res.State = StateInfected
		return res
	}

	rec.VirusStatus = metadata.VirusClean
	if err := o.complete(ctx, rec); err != nil {
		log.Error("Complete record", "err", err)
		res.State, res.Err = StateError, err
		return res
	}
	res.State = StateClean
	return res
}

func (o *Orchestrator) scanObject(ctx context.Context, log *slog.Logger, ref ObjectRef, size int64, defs *definitionsFuture) (scan.Outcome, error) {
	if err := defs.wait(ctx); err != nil {
		return scan.Outcome{}, fmt.Errorf("virus definitions unavailable: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return scan.Outcome{}, err
	}

	dest, err := o.workspace.ObjectPath(ref.Bucket, ref.Key)
	if err != nil {
		return scan.Outcome{}, err
	}

	path, err := o.downloader.Download(ctx, ref.Bucket, ref.Key, size, dest)
	if err != nil {
		return scan.Outcome{}, err
	}

	outcome, err := o.scanner.Scan(ctx, path)
	if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		log.Warn("Failed to remove downloaded object", "path", path, "err", rerr)
	}
	return outcome, err
}

func (o *Orchestrator) complete(ctx context.Context, rec *metadata.ObjectRecord) error {
	rec.UploadStatus = metadata.UploadComplete
	rec.Touch(o.now())
	return o.records.PutRecord(ctx, rec)
}

// fail records a system error for rec and returns cause, joined with the
// write failure if the record could not be updated either.
func (o *Orchestrator) fail(ctx context.Context, rec *metadata.ObjectRecord, cause error) error {
	rec.UploadStatus = metadata.UploadError
	rec.ErrorMessage = MessageSystemError
	rec.Touch(o.now())
	if err := o.records.PutRecord(ctx, rec); err != nil {
		return errors.Join(cause, fmt.Errorf("record failure: %w", err))
	}
	return cause
}

// deleteWithError removes the object and records message as the reason, in
// parallel. When either step fails the record is rewritten as a system
// error and the failures are returned.
func (o *Orchestrator) deleteWithError(ctx context.Context, rec *metadata.ObjectRecord, message string) error {
	rec.UploadStatus = metadata.UploadError
	rec.ErrorMessage = message
	rec.Touch(o.now())

	var deleteErr, putErr error
	var g errgroup.Group
	g.Go(func() error {
		deleteErr = o.objects.DeleteObject(ctx, rec.Bucket, rec.Key)
		return nil
	})
	snapshot := rec.Clone()
	g.Go(func() error {
		putErr = o.records.PutRecord(ctx, snapshot)
		return nil
	})
	_ = g.Wait()

	if deleteErr == nil && putErr == nil {
		return nil
	}

	err := errors.Join(deleteErr, putErr)
	return o.fail(ctx, rec, err)
}
