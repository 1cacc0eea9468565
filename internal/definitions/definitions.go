// Package definitions keeps the local virus definition files coherent with
// a shared remote cache and with the upstream authority. Staleness is
// detected by comparing content digests, so unchanged files are never
// downloaded or uploaded again.
package definitions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"clamgate/internal/digest"
	"clamgate/internal/metrics"
	"clamgate/internal/storage"
	"clamgate/internal/transfer"
	pkgstorage "clamgate/pkg/storage"

	"golang.org/x/sync/errgroup"
)

// ErrNoDefinitions is returned by Ensure when no definition file could be
// obtained from the shared cache or from upstream.
var ErrNoDefinitions = errors.New("no virus definitions available")

const (
	DefaultPrefix = "clamav_defs/"
)

// DefaultNames lists the definition files ClamAV ships.
var DefaultNames = []string{"bytecode.cvd", "daily.cvd", "main.cvd"}

// Config names the shared cache location and the definition files.
type Config struct {
	Bucket string
	Prefix string
	Names  []string
}

// Status summarises an Ensure run.
type Status struct {
	// Present is the number of definition files available locally.
	Present int

	// Refreshed is set when the shared cache was empty and the definitions
	// were fetched from upstream instead.
	Refreshed bool
}

// Synchronizer moves definition files between the workspace, the shared
// cache bucket and the upstream authority.
type Synchronizer struct {
	store      pkgstorage.ObjectStore
	workspace  *storage.Workspace
	refresher  Refresher
	hasher     *digest.Hasher
	downloader *transfer.Downloader
	metrics    *metrics.Collector
	config     Config

	// mu serialises operations that write to the definitions directory or
	// the shared cache, so concurrent batches never race on the same file.
	mu sync.Mutex
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithHasher overrides the default MD5 hasher.
func WithHasher(h *digest.Hasher) Option {
	return func(s *Synchronizer) {
		s.hasher = h
	}
}

// WithDownloader overrides the default downloader.
func WithDownloader(d *transfer.Downloader) Option {
	return func(s *Synchronizer) {
		s.downloader = d
	}
}

// WithMetrics records sync results on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Synchronizer) {
		s.metrics = c
	}
}

// NewSynchronizer creates a Synchronizer. Empty Prefix and Names fields of
// cfg fall back to DefaultPrefix and DefaultNames.
func NewSynchronizer(store pkgstorage.ObjectStore, ws *storage.Workspace, refresher Refresher, cfg Config, opts ...Option) *Synchronizer {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if len(cfg.Names) == 0 {
		cfg.Names = DefaultNames
	}

	s := &Synchronizer{
		store:     store,
		workspace: ws,
		refresher: refresher,
		config:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hasher == nil {
		s.hasher = digest.NewHasher(digest.MD5)
	}
	if s.downloader == nil {
		s.downloader = transfer.NewDownloader(store, transfer.WithMetrics(s.metrics))
	}
	return s
}

func (s *Synchronizer) remoteKey(name string) string {
	return s.config.Prefix + name
}

func (s *Synchronizer) record(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDefinitionSync(op, status)
}

// Pull brings every definition file recorded in the shared cache into the
// workspace, downloading only those whose local digest differs from the
// remote one. It returns the number of definitions that are present and
// fresh afterwards. Failures of individual files are logged, left out of
// the count and joined into the returned error.
func (s *Synchronizer) Pull(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pull(ctx)
}

func (s *Synchronizer) pull(ctx context.Context) (int, error) {
	var fresh atomic.Int64
	errs := make([]error, len(s.config.Names))

	var g errgroup.Group
	for i, name := range s.config.Names {
		g.Go(func() error {
			ok, err := s.pullOne(ctx, name)
			if err != nil {
				slog.Error("Pull definition", "name", name, "err", err)
				errs[i] = fmt.Errorf("pull %s: %w", name, err)
				return nil
			}
			if ok {
				fresh.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	s.record("pull", err)
	slog.Info("Pulled definitions", "fresh", fresh.Load(), "total", len(s.config.Names))
	return int(fresh.Load()), err
}

func (s *Synchronizer) pullOne(ctx context.Context, name string) (bool, error) {
	key := s.remoteKey(name)

	remote, ok, err := s.hasher.RemoteDigest(ctx, s.store, s.config.Bucket, key)
	if err != nil {
		return false, err
	}
	if !ok {
		slog.Debug("Definition missing from shared cache", "bucket", s.config.Bucket, "key", key)
		return false, nil
	}

	local := s.workspace.DefinitionPath(name)
	if storage.FileExists(local) {
		current, err := s.hasher.HashFile(local)
		if err != nil {
			return false, err
		}
		if current == remote {
			slog.Debug("Definition is current", "name", name, "digest", current)
			return true, nil
		}
	}

	info, err := s.store.HeadObject(ctx, s.config.Bucket, key)
	if err != nil {
		return false, err
	}

	tmp := local + ".part"
	if _, err := s.downloader.Download(ctx, s.config.Bucket, key, info.Size, tmp); err != nil {
		return false, err
	}
	if err := storage.MoveFile(tmp, local); err != nil {
		os.Remove(tmp)
		return false, err
	}

	slog.Info("Downloaded definition", "name", name, "size", info.Size)
	return true, nil
}

// Push uploads every local definition file whose digest differs from the
// one recorded in the shared cache, then records the new digest. The tag is
// only written after its upload succeeded. It returns the number of files
// uploaded.
func (s *Synchronizer) Push(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push(ctx)
}

func (s *Synchronizer) push(ctx context.Context) (int, error) {
	var uploaded atomic.Int64
	errs := make([]error, len(s.config.Names))

	var g errgroup.Group
	for i, name := range s.config.Names {
		g.Go(func() error {
			ok, err := s.pushOne(ctx, name)
			if err != nil {
				slog.Error("Push definition", "name", name, "err", err)
				errs[i] = fmt.Errorf("push %s: %w", name, err)
				return nil
			}
			if ok {
				uploaded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	s.record("push", err)
	slog.Info("Pushed definitions", "uploaded", uploaded.Load())
	return int(uploaded.Load()), err
}

func (s *Synchronizer) pushOne(ctx context.Context, name string) (bool, error) {
	local := s.workspace.DefinitionPath(name)
	if !storage.FileExists(local) {
		return false, nil
	}

	current, err := s.hasher.HashFile(local)
	if err != nil {
		return false, err
	}

	key := s.remoteKey(name)
	remote, ok, err := s.hasher.RemoteDigest(ctx, s.store, s.config.Bucket, key)
	if err != nil {
		return false, err
	}
	if ok && remote == current {
		return false, nil
	}

	if err := s.store.PutObjectFromFile(ctx, s.config.Bucket, key, local); err != nil {
		return false, err
	}
	if err := s.store.PutTag(ctx, s.config.Bucket, key, s.hasher.TagName(), current); err != nil {
		return false, err
	}

	slog.Info("Uploaded definition", "name", name, "digest", current)
	return true, nil
}

// RefreshFromUpstream runs the upstream refresher against the workspace.
func (s *Synchronizer) RefreshFromUpstream(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh(ctx)
}

func (s *Synchronizer) refresh(ctx context.Context) (bool, error) {
	updated, err := s.refresher.Refresh(ctx)
	s.record("refresh", err)
	return updated, err
}

// Ensure makes sure definitions are available locally before a scan. It
// pulls from the shared cache and, when that yields nothing, refreshes from
// upstream and seeds the cache with the result.
func (s *Synchronizer) Ensure(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensure(ctx)
}

func (s *Synchronizer) ensure(ctx context.Context) (Status, error) {
	fresh, err := s.pull(ctx)
	if err != nil {
		slog.Warn("Some definitions could not be pulled", "err", err)
	}
	if fresh > 0 {
		return Status{Present: fresh}, nil
	}

	slog.Info("No virus definitions in shared cache, refreshing from upstream")

	if _, err := s.refresh(ctx); err != nil {
		return Status{Refreshed: true}, fmt.Errorf("refresh definitions: %w", err)
	}
	if _, err := s.push(ctx); err != nil {
		slog.Warn("Failed to seed shared definition cache", "err", err)
	}

	present := s.countLocal()
	if present == 0 {
		return Status{Refreshed: true}, ErrNoDefinitions
	}
	return Status{Present: present, Refreshed: true}, nil
}

// Sync is the periodic maintenance run: Ensure, followed by an upstream
// refresh and push unless Ensure already did one.
func (s *Synchronizer) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.ensure(ctx)
	if err != nil {
		return err
	}
	if status.Refreshed {
		return nil
	}

	if _, err := s.refresh(ctx); err != nil {
		return fmt.Errorf("refresh definitions: %w", err)
	}
	if _, err := s.push(ctx); err != nil {
		return fmt.Errorf("push definitions: %w", err)
	}
	return nil
}

func (s *Synchronizer) countLocal() int {
	n := 0
	for _, name := range s.config.Names {
		if storage.FileExists(s.workspace.DefinitionPath(name)) {
			n++
		}
	}
	return n
}
