package store

import "time"

// File statuses.
const (
	FileIncluded = "included"
	FileMissing  = "missing"
)

// JobRecord is a finished archive job as stored in zip_jobs. The signed
// archive URL itself is never stored, only the object and its expiry.
type JobRecord struct {
	ID                     string       `json:"job_id"`
	State                  string       `json:"state"`
	RequestedCount         int          `json:"requested_count"`
	IncludedCount          int          `json:"included_count"`
	MissingCount           int          `json:"missing_count"`
	SizeBytes              int64        `json:"size_bytes"`
	CompressionRatio       float64      `json:"compression_ratio"`
	GenerationTimeMs       int64        `json:"generation_time_ms"`
	ParallelDownloadTimeMs int64        `json:"parallel_download_time_ms"`
	WorkersUsed            int          `json:"workers_used"`
	ArchiveURI             string       `json:"archive_uri,omitempty"`
	ArchiveURLExpiresAt    time.Time    `json:"archive_url_expires_at,omitempty"`
	ErrorKind              string       `json:"error_kind,omitempty"`
	ErrorMessage           string       `json:"error_message,omitempty"`
	CreatedAt              time.Time    `json:"created_at"`
	FinishedAt             time.Time    `json:"finished_at,omitempty"`
	Files                  []FileRecord `json:"files,omitempty"`
}

// FileRecord is one requested object of a job.
type FileRecord struct {
	Position  int    `json:"position"`
	URI       string `json:"uri"`
	Status    string `json:"status"` // "included" or "missing"
	EntryName string `json:"entry_name,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
	ErrorKind string `json:"error_kind,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
