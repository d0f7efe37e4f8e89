package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskmgr818/stargraph-broker/internal/auth"
	"github.com/taskmgr818/stargraph-broker/internal/ledger"
	"github.com/taskmgr818/stargraph-broker/internal/model"
)

const (
	logBufSize     = 1024
	artifactBatch  = 100
	maxResultsPage = 100
)

// Store provides SQL persistence via GORM. Job lifecycle logs are written
// asynchronously; artifacts and queries are synchronous.
type Store struct {
	db    *gorm.DB
	logCh chan func() // buffered channel for async writes
	wg    sync.WaitGroup
	once  sync.Once
}

// Open opens PostgreSQL with the broker's pool settings.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return New(db)
}

// New auto-migrates schemas on db and starts the background write worker.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&model.TaskLog{},
		&model.UserResult{},
		&auth.User{},
		&ledger.Account{},
		&ledger.Transaction{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{
		db:    db,
		logCh: make(chan func(), logBufSize),
	}
	s.wg.Add(1)
	go s.writeWorker()
	return s, nil
}

func (s *Store) writeWorker() {
	defer s.wg.Done()
	for fn := range s.logCh {
		fn()
	}
}

// Close drains pending async writes.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.logCh)
		s.wg.Wait()
	})
}

// DB returns the underlying GORM database instance.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ─────────────────────────────────────────────
// Async job log
// ─────────────────────────────────────────────

// LogTaskCreated records a newly queued job.
func (s *Store) LogTaskCreated(job *model.Job) {
	tl := model.TaskLog{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Status:    model.JobStatusQueued,
		UnitCount: job.UnitCount,
		CreatedAt: time.Now(),
	}
	s.logCh <- func() {
		if err := s.db.Create(&tl).Error; err != nil {
			log.WithField("job_id", tl.JobID).WithError(err).Error("[store] log task created")
		}
	}
}

// LogJobAdmitted records the worker prompt id of an admitted job.
func (s *Store) LogJobAdmitted(jobID, promptID string) {
	s.logCh <- func() {
		err := s.db.Model(&model.TaskLog{}).
			Where("job_id = ?", jobID).
			Updates(map[string]interface{}{
				"status":    model.JobStatusRunning,
				"prompt_id": promptID,
			}).Error
		if err != nil {
			log.WithField("job_id", jobID).WithError(err).Error("[store] log job admitted")
		}
	}
}

// LogJobFinished records a job's terminal status.
func (s *Store) LogJobFinished(jobID string, status model.JobStatus) {
	now := time.Now()
	s.logCh <- func() {
		err := s.db.Model(&model.TaskLog{}).
			Where("job_id = ?", jobID).
			Updates(map[string]interface{}{
				"status":      status,
				"finished_at": &now,
			}).Error
		if err != nil {
			log.WithFields(log.Fields{"job_id": jobID, "status": status}).WithError(err).
				Error("[store] log job finished")
		}
	}
}

// TaskLog returns a job's lifecycle record, or nil if unknown.
func (s *Store) TaskLog(ctx context.Context, jobID string) (*model.TaskLog, error) {
	var tl model.TaskLog
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Limit(1).Find(&tl).Error
	if err != nil {
		return nil, err
	}
	if tl.JobID == "" {
		return nil, nil
	}
	return &tl, nil
}

// ─────────────────────────────────────────────
// Artifacts
// ─────────────────────────────────────────────

// SaveArtifacts appends generated image URLs to an owner's history.
func (s *Store) SaveArtifacts(ctx context.Context, urls []string, ownerID int64) error {
	if len(urls) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([]model.UserResult, 0, len(urls))
	for _, u := range urls {
		rows = append(rows, model.UserResult{OwnerID: ownerID, URL: u, CreatedAt: now})
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, artifactBatch).Error; err != nil {
		return fmt.Errorf("save artifacts: %w", err)
	}
	return nil
}

// ListResults pages an owner's artifacts, newest first.
func (s *Store) ListResults(ctx context.Context, ownerID int64, page, size int) ([]model.UserResult, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > maxResultsPage {
		size = 20
	}

	q := s.db.WithContext(ctx).Model(&model.UserResult{}).Where("owner_id = ?", ownerID)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var results []model.UserResult
	err := q.Order("created_at DESC, id DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&results).Error
	return results, total, err
}

// SetCollected marks an artifact as collected by its owner.
func (s *Store) SetCollected(ctx context.Context, ownerID int64, resultID uint, collected bool) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.UserResult{}).
		Where("id = ? AND owner_id = ?", resultID, ownerID).
		Update("collected", collected)
	return res.RowsAffected > 0, res.Error
}
