// Package reconcile finds stored objects no database record references any
// more and optionally deletes them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/eteran/lightbox/internal/catalog"
	"github.com/eteran/lightbox/internal/metrics"
	"github.com/eteran/lightbox/internal/objectkey"
	"github.com/eteran/lightbox/internal/objectstore"

	"golang.org/x/sync/errgroup"
)

const (
	MaxOrphanSample          = 20
	DefaultDeleteParallelism = 8
)

var ErrUnauthorized = errors.New("owner identity required")

// Report summarizes one run. Success means the run completed; individual
// delete failures are counted in FailedCount. In a dry run DeletedCount and
// FailedCount are zero.
type Report struct {
	Success           bool     `json:"success"`
	DryRun            bool     `json:"dry_run"`
	Prefix            string   `json:"prefix"`
	TotalObjectsFound int      `json:"total_objects_found"`
	TotalKnownKeys    int      `json:"total_known_keys"`
	OrphanCount       int      `json:"orphan_count"`
	DeletedCount      int      `json:"deleted_count"`
	FailedCount       int      `json:"failed_count"`
	SampleOrphanKeys  []string `json:"sample_of_orphan_keys"`
}

// Options selects what one run looks at and whether it deletes.
type Options struct {
	Owner  string
	Scope  string
	DryRun bool
}

type Service struct {
	store         objectstore.Client
	source        catalog.Source
	publicBaseURL string
	parallelism   int
}

type Option func(*Service)

// WithDeleteParallelism bounds concurrent deletes in a live run.
func WithDeleteParallelism(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

func NewService(store objectstore.Client, source catalog.Source, publicBaseURL string, opts ...Option) *Service {
	s := &Service{
		store:         store,
		source:        source,
		publicBaseURL: publicBaseURL,
		parallelism:   DefaultDeleteParallelism,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run lists the owner's objects, subtracts every key the catalog still
// references, and reports or deletes the rest. Only opts.Owner's namespace
// is ever listed or touched.
func (s *Service) Run(ctx context.Context, opts Options) (*Report, error) {
	if strings.TrimSpace(opts.Owner) == "" {
		return nil, ErrUnauthorized
	}

	prefix, err := objectkey.Prefix(opts.Owner, opts.Scope)
	if err != nil {
		return nil, err
	}

	log := slog.With("owner", opts.Owner, "prefix", prefix, "dry_run", opts.DryRun)

	listed, err := objectstore.ListAll(ctx, s.store, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	urls, err := s.source.KnownURLs(ctx, opts.Owner)
	if err != nil {
		return nil, fmt.Errorf("load referenced urls: %w", err)
	}

	known := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		key, err := objectkey.FromURL(u, s.publicBaseURL)
		if err != nil {
			log.Debug("Ignoring unmappable URL", "url", u, "err", err)
			continue
		}
		known[key] = struct{}{}
	}

	var orphans []string
	for _, key := range listed {
		if !strings.HasPrefix(key, prefix) {
			log.Warn("Store listed a key outside the prefix", "key", key)
			continue
		}
		if _, ok := known[key]; !ok {
			orphans = append(orphans, key)
		}
	}
	sort.Strings(orphans)

	report := &Report{
		Success:           true,
		DryRun:            opts.DryRun,
		Prefix:            prefix,
		TotalObjectsFound: len(listed),
		TotalKnownKeys:    len(known),
		OrphanCount:       len(orphans),
		SampleOrphanKeys:  orphans[:min(len(orphans), MaxOrphanSample)],
	}
	if report.SampleOrphanKeys == nil {
		report.SampleOrphanKeys = []string{}
	}
	metrics.ReconcileOrphansTotal.WithLabelValues("found").Add(float64(len(orphans)))

	if opts.DryRun || len(orphans) == 0 {
		log.Info("Reconciliation finished", "objects", len(listed), "known", len(known), "orphans", len(orphans))
		return report, nil
	}

	deleted, failed := s.deleteAll(ctx, orphans)
	report.DeletedCount = deleted
	report.FailedCount = failed

	log.Info("Reconciliation finished",
		"objects", len(listed),
		"known", len(known),
		"orphans", len(orphans),
		"deleted", deleted,
		"failed", failed,
	)
	return report, nil
}

// deleteAll deletes every key with bounded concurrency. A failure is
// counted and never stops the others.
func (s *Service) deleteAll(ctx context.Context, keys []string) (int, int) {
	var deleted, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)

	for _, key := range keys {
		g.Go(func() error {
			if gctx.Err() != nil {
				failed.Add(1)
				return nil
			}
			ok, err := s.store.Delete(gctx, key)
			if err != nil || !ok {
				slog.Warn("Failed to delete orphan", "key", key, "err", err)
				failed.Add(1)
				metrics.ReconcileOrphansTotal.WithLabelValues("failed").Inc()
				return nil
			}
			deleted.Add(1)
			metrics.ReconcileOrphansTotal.WithLabelValues("deleted").Inc()
			return nil
		})
	}
	_ = g.Wait()

	return int(deleted.Load()), int(failed.Load())
}
