package models

import "time"

// SystemStatus is the per-system operational view returned by GetStatus.
type SystemStatus struct {
	SystemID              string    `json:"systemId"`
	Name                  string    `json:"name"`
	Enabled               bool      `json:"enabled"`
	LastUploadWatermark   time.Time `json:"lastUploadWatermark"`
	LastDownloadWatermark time.Time `json:"lastDownloadWatermark"`
	PendingCount          int       `json:"pendingCount"`
	FailedCount           int       `json:"failedCount"`
	PendingConflicts      int       `json:"pendingConflicts"`
	LastStatus            string    `json:"lastStatus,omitempty"`
	LastSyncAt            time.Time `json:"lastSyncAt"`
	UploadInProgress      bool      `json:"uploadInProgress"`
	DownloadInProgress    bool      `json:"downloadInProgress"`
}

// SyncStatus aggregates every system plus outbox-wide counters.
type SyncStatus struct {
	Systems          []SystemStatus `json:"systems"`
	PendingChanges   int            `json:"pendingChanges"`
	FailedChanges    int            `json:"failedChanges"`
	PendingConflicts int            `json:"pendingConflicts"`
	GeneratedAt      time.Time      `json:"generatedAt"`
}

// SystemCounts is the raw counter set a store reports for one system.
type SystemCounts struct {
	Pending          int
	Failed           int
	PendingConflicts int
}
