package model

import "time"

// BackupSnapshot is the top-level JSON structure of a full backup file.
type BackupSnapshot struct {
	Timestamp   time.Time             `json:"timestamp"`
	Collections map[string][]Document `json:"collections"`
}

// BackupSummary holds per-collection document counts of a snapshot.
type BackupSummary struct {
	Timestamp time.Time      `json:"timestamp"`
	Counts    map[string]int `json:"counts"`
}

// BackupInfo describes a full-backup file on disk.
type BackupInfo struct {
	Name     string    `json:"name"`
	Size     string    `json:"size"`
	Modified time.Time `json:"modified"`
	Created  time.Time `json:"created"`
}

// CollectionRestore is the outcome of restoring one collection.
type CollectionRestore struct {
	Collection string `json:"collection"`
	Documents  int    `json:"documents"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}
