package types

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dselans/gzseek/zran"
)

// Checkpoint contains scan progress info
type Checkpoint struct {
	IndexFile   string     `json:"index_file"`
	Offset      int64      `json:"offset"`
	SourceFile  string     `json:"source_file"`
	SourceSize  int64      `json:"source_size"`
	Pattern     string     `json:"pattern"`
	Lines       int64      `json:"lines"`
	Matches     int64      `json:"matches"`
	StartedAt   time.Time  `json:"started_at"`
	LastUpdated time.Time  `json:"last_updated"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Not marshalled
	Index *zran.Index `json:"-"`

	*sync.Mutex
}

// Save writes the checkpoint JSON to checkpointFile and the access point
// index to cp.IndexFile. Both are written to a temp file first and renamed
// into place.
func (cp *Checkpoint) Save(checkpointFile string) error {
	cp.Lock()
	defer cp.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errors.Wrap(err, "unable to marshal checkpoint file")
	}

	if cp.Index != nil && cp.IndexFile != "" {
		if err := cp.Index.SaveFile(cp.IndexFile); err != nil {
			return errors.Wrap(err, "unable to write checkpoint index file")
		}
	}

	if err := writeAtomic(checkpointFile, data); err != nil {
		return errors.Wrap(err, "unable to write checkpoint file")
	}

	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "unable to create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "unable to write temp file")
	}

	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "unable to close temp file")
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "unable to rename temp file")
	}

	return nil
}
