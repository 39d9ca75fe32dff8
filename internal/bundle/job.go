// Package bundle builds ZIP archives of stored invoices, uploads them and
// returns a signed URL for the archive.
package bundle

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/dtebundle/internal/faults"
	"github.com/BadgerOps/dtebundle/internal/objref"
	"github.com/BadgerOps/dtebundle/internal/signer"
)

// State is the lifecycle state of a Job.
type State string

const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StateReady   State = "READY"
	StatePartial State = "PARTIAL"
	StateFailed  State = "FAILED"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateReady || s == StatePartial || s == StateFailed
}

// IncludedFile is a requested object that made it into the archive.
type IncludedFile struct {
	Ref       objref.Ref `json:"ref"`
	EntryName string     `json:"entry_name"`
	SizeBytes int64      `json:"size_bytes"`
}

// MissingFile is a requested object that could not be fetched.
type MissingFile struct {
	Ref    objref.Ref  `json:"ref"`
	Kind   faults.Kind `json:"kind"`
	Reason string      `json:"reason,omitempty"`
}

// Job is the record of one Package call.
type Job struct {
	ID                     string            `json:"job_id"`
	RequestedKeys          []objref.Ref      `json:"requested_keys"`
	State                  State             `json:"state"`
	ArchiveRef             *objref.Ref       `json:"archive_ref,omitempty"`
	ArchiveURL             *signer.SignedURL `json:"archive_signed_url,omitempty"`
	Included               []IncludedFile    `json:"included"`
	Missing                []MissingFile     `json:"missing"`
	SizeBytes              int64             `json:"size_bytes"`
	CompressionRatio       float64           `json:"compression_ratio"`
	GenerationTimeMs       int64             `json:"generation_time_ms"`
	ParallelDownloadTimeMs int64             `json:"parallel_download_time_ms"`
	WorkersUsed            int               `json:"workers_used"`
	ErrorKind              faults.Kind       `json:"error_kind,omitempty"`
	ErrorMessage           string            `json:"error_message,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	FinishedAt             time.Time         `json:"finished_at,omitempty"`
}

// Analytics is the per-job record appended to the conversation log.
type Analytics struct {
	GenerationTimeMs       int64 `json:"zip_generation_time_ms"`
	ParallelDownloadTimeMs int64 `json:"zip_parallel_download_time_ms"`
	MaxWorkersUsed         int   `json:"zip_max_workers_used"`
	FilesIncluded          int   `json:"zip_files_included"`
	FilesMissing           int   `json:"zip_files_missing"`
	TotalSizeBytes         int64 `json:"zip_total_size_bytes"`
}

// Analytics returns the analytics record for j.
func (j *Job) Analytics() Analytics {
	return Analytics{
		GenerationTimeMs:       j.GenerationTimeMs,
		ParallelDownloadTimeMs: j.ParallelDownloadTimeMs,
		MaxWorkersUsed:         j.WorkersUsed,
		FilesIncluded:          len(j.Included),
		FilesMissing:           len(j.Missing),
		TotalSizeBytes:         j.SizeBytes,
	}
}

// MissingKeys returns the gs:// URIs of the missing objects.
func (j *Job) MissingKeys() []string {
	out := make([]string, 0, len(j.Missing))
	for _, m := range j.Missing {
		out = append(out, m.Ref.String())
	}
	return out
}

// UserMessage is the Spanish text shown to the person who asked for the archive.
func (j *Job) UserMessage() string {
	switch j.State {
	case StateReady:
		return fmt.Sprintf("Tu archivo ZIP con %d documento(s) está listo (%s).",
			len(j.Included), humanize.Bytes(uint64(j.SizeBytes)))
	case StatePartial:
		return fmt.Sprintf("Tu archivo ZIP está listo con %d de %d documento(s) (%s). No se pudieron incluir: %s.",
			len(j.Included), len(j.RequestedKeys), humanize.Bytes(uint64(j.SizeBytes)), strings.Join(j.MissingKeys(), ", "))
	case StateFailed:
		kind := j.ErrorKind
		if kind == "" {
			kind = faults.Internal
		}
		return kind.UserMessage() + " (" + kind.Code() + ")"
	default:
		return "El archivo ZIP se está generando."
	}
}

// classify sets the terminal state from the fetch outcome. Upload and
// signing failures are applied by the caller afterwards.
func (j *Job) classify() {
	switch {
	case len(j.Included) == 0:
		j.State = StateFailed
	case len(j.Missing) > 0:
		j.State = StatePartial
	case j.SizeBytes > 0:
		j.State = StateReady
	default:
		j.State = StateFailed
	}
}

func (j *Job) fail(kind faults.Kind, err error) {
	j.State = StateFailed
	j.ErrorKind = kind
	if err != nil {
		j.ErrorMessage = err.Error()
	}
}
