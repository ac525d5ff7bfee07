package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/openledgerhq/ledgersync/internal/models"
	"github.com/openledgerhq/ledgersync/internal/syncer"
)

// Scheduler manages background jobs
type Scheduler struct {
	cron       *cron.Cron
	db         *gorm.DB
	dispatcher syncer.Dispatcher
}

// NewScheduler creates a new job scheduler
func NewScheduler(db *gorm.DB, dispatcher syncer.Dispatcher) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		db:         db,
		dispatcher: dispatcher,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	// Expired OAuth states pile up from abandoned authorization flows;
	// sweep them every 15 minutes.
	s.cron.AddFunc("*/15 * * * *", func() {
		s.cleanupExpiredOAuthStates()
	})

	// Nightly fleet sync for every connected business at 2:00 AM
	s.cron.AddFunc("0 2 * * *", func() {
		log.Println("Running nightly sync job...")
		s.dispatchNightlySyncs()
	})

	// Cleanup old sync run audit rows daily at 3:14 AM
	s.cron.AddFunc("14 3 * * *", func() {
		log.Println("Running sync run cleanup job...")
		s.cleanupOldSyncRuns()
	})

	s.cron.Start()
	log.Println("Job scheduler started")
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("Job scheduler stopped")
}

// cleanupExpiredOAuthStates removes states whose TTL elapsed without a callback
func (s *Scheduler) cleanupExpiredOAuthStates() {
	result := s.db.Where("expires_at < ?", time.Now().UTC()).Delete(&models.OAuthState{})
	if result.Error != nil {
		log.Printf("Failed to cleanup expired oauth states: %v", result.Error)
		return
	}
	if result.RowsAffected > 0 {
		log.Printf("Cleaned up %d expired oauth states", result.RowsAffected)
	}
}

// dispatchNightlySyncs triggers a sync for every stored connection
func (s *Scheduler) dispatchNightlySyncs() {
	var connections []models.AccountingConnection
	if err := s.db.Find(&connections).Error; err != nil {
		log.Printf("Failed to load connections for nightly sync: %v", err)
		return
	}

	dispatched := 0
	for _, conn := range connections {
		req := syncer.Request{
			BusinessProfileID: conn.BusinessProfileID,
			UserID:            conn.UserID,
			Provider:          conn.Provider,
			SyncTypes:         []string{syncer.TypeBankTransactions, syncer.TypeInvoices},
		}
		key := fmt.Sprintf("nightly:%s:%s", conn.BusinessProfileID, conn.Provider)
		if _, err := s.dispatcher.Dispatch(context.Background(), req, key); err != nil {
			log.Printf("Failed to dispatch nightly sync for %s/%s: %v", conn.Provider, conn.BusinessProfileID, err)
			continue
		}
		dispatched++
	}
	log.Printf("Dispatched %d nightly syncs", dispatched)
}

// cleanupOldSyncRuns removes audit rows older than 90 days
func (s *Scheduler) cleanupOldSyncRuns() {
	cutoff := time.Now().UTC().AddDate(0, 0, -90)
	result := s.db.Where("created_at < ?", cutoff).Delete(&models.SyncRun{})
	if result.Error != nil {
		log.Printf("Failed to cleanup old sync runs: %v", result.Error)
		return
	}
	log.Printf("Cleaned up %d old sync runs", result.RowsAffected)
}
