// Package scheduler drives the twice-daily catalog refresh and watches the
// snapshot's freshness between runs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/panelyt/panelyt-api/interfaces"
	"github.com/panelyt/panelyt-api/logging"
)

var _ interfaces.Scheduler = (*Scheduler)(nil)

// Scheduler owns the gocron job for catalog refreshes and a freshness
// monitor goroutine.
type Scheduler struct {
	store     interfaces.CatalogStore
	fetcher   interfaces.CatalogFetcher
	validator interfaces.Validator
	scheduler *gocron.Scheduler

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler builds a scheduler around the given store and fetcher.
func NewScheduler(store interfaces.CatalogStore, fetcher interfaces.CatalogFetcher, validator interfaces.Validator) *Scheduler {
	return &Scheduler{
		store:     store,
		fetcher:   fetcher,
		validator: validator,
		scheduler: gocron.NewScheduler(time.Local),
		stop:      make(chan struct{}),
	}
}

// Start loads the catalog once, then schedules refreshes for 06:00 and
// 18:00 local time. It fails when the initial load fails, so the server
// never comes up with an empty catalog.
func (s *Scheduler) Start() error {
	if err := s.updateCatalog(); err != nil {
		logging.Error("Initial catalog load failed", "error", err)
		return fmt.Errorf("initial catalog load: %w", err)
	}

	daily := s.scheduler.Every(1).Days().At("06:00;18:00")
	_, err := daily.Do(func() {
		if err := s.updateCatalog(); err != nil {
			logging.Error("Scheduled catalog refresh failed", "error", err)
		}
	})
	if err != nil {
		logging.Error("Registering the refresh job failed", "error", err)
		return fmt.Errorf("registering refresh job: %w", err)
	}

	s.scheduler.StartAsync()
	s.startHealthMonitoring()

	return nil
}

// Stop stops the scheduler and waits for the health monitor to exit
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// updateCatalog fetches a fresh snapshot and swaps it in if it passes
// integrity checks. Only one update runs at a time.
func (s *Scheduler) updateCatalog() error {
	if !s.store.BeginUpdate() {
		logging.Info("Refresh skipped, previous run still active")
		return nil
	}
	defer s.store.EndUpdate()

	logging.Info("Starting catalog update")
	start := time.Now()

	// The fetcher's HTTP client carries its own timeout, so the download is
	// bounded even against a background context.
	newEntries, newByCode, newBySlug, err := s.fetcher.FetchAll(context.Background())
	if err != nil {
		logging.Error("Catalog fetch failed", "error", err)
		return fmt.Errorf("fetching catalog: %w", err)
	}

	if err := s.validator.ValidateCatalogIntegrity(newEntries); err != nil {
		logging.Error("Catalog failed integrity validation, keeping previous snapshot", "error", err)
		return fmt.Errorf("catalog integrity: %w", err)
	}

	report := s.validator.ReportCatalogQuality(newEntries)

	// Unpriced entries still price through lab quotes, so warn only
	if report.UnpricedEntries > 0 {
		logging.Warn("Catalog entries without a list price",
			"count", report.UnpricedEntries,
		)
	}
	if report.EmptyCategories > 0 {
		logging.Info("Catalog entries without a category",
			"count", report.EmptyCategories,
		)
	}

	s.store.UpdateData(newEntries, newByCode, newBySlug)

	elapsed := time.Since(start)
	logging.Info("Catalog update completed", "duration", elapsed.String(), "entry_count", len(newEntries))

	return nil
}

// startHealthMonitoring monitors the freshness of the catalog snapshot
func (s *Scheduler) startHealthMonitoring() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				lastUpdate := s.store.GetLastUpdated()
				if time.Since(lastUpdate) > 25*time.Hour {
					logging.Warn("Catalog hasn't been updated in over 25 hours")
				}
			case <-s.stop:
				return
			}
		}
	}()
}
