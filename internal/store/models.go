package store

import (
	"encoding/json"
	"time"
)

type Database struct {
	ID            string
	Name          string
	Slug          string
	FormatVersion int
	EntityCount   int
	ContentHash   string
	CommitHash    string
	UpdatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type BackupSettings struct {
	DatabaseID      string
	Enabled         bool
	IntervalMinutes int
	KeepAuto        int
	Encrypt         bool
	PassphraseHash  string
	UpdatedAt       time.Time
}

// =============================================================================
// Backups
// =============================================================================

const (
	BackupKindManual     = "manual"
	BackupKindAuto       = "auto"
	BackupKindPreRestore = "pre_restore"
)

type Backup struct {
	ID          string
	DatabaseID  string
	Kind        string
	FileName    string
	SizeBytes   int64
	ContentHash string
	Encrypted   bool
	Replicated  bool
	CommitHash  string
	Note        string
	CreatedBy   string
	CreatedAt   time.Time
}

// BackupSchedule is the scheduler's view of one enabled database: its
// settings joined with the database name and the time of its last
// automatic backup, if any.
type BackupSchedule struct {
	DatabaseID      string
	DatabaseName    string
	IntervalMinutes int
	KeepAuto        int
	Encrypt         bool
	PassphraseHash  string
	LastAutoAt      *time.Time
}

// CommitInfo describes one snapshot commit in a database's history.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// =============================================================================
// Events and analysis
// =============================================================================

type Event struct {
	ID        string
	Level     string
	Code      string
	Message   string
	Database  string
	DedupKey  string
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time
}

type AnalysisReport struct {
	ID         string
	DatabaseID string
	SourceName string
	Stats      json.RawMessage
	Candidates json.RawMessage
	CreatedAt  time.Time
}
