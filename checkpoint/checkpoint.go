package checkpoint

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dselans/gzseek/checkpoint/types"
	"github.com/dselans/gzseek/zran"
)

// Load returns the checkpoint stored in checkpointFile, creating a fresh one
// if the file does not exist. A checkpoint written for a different source
// file, or for a source whose size changed since, is rejected.
func Load(checkpointFile, indexFile, sourceFile string, spacing int64) (*types.Checkpoint, error) {
	startedAt := time.Now()
	logrus.Debugf("checkpoint loading started at '%s'", startedAt)

	defer func() {
		endedAt := time.Now()
		logrus.Debugf("checkpoint loading completed at '%s'", endedAt)
		logrus.Debugf("checkpoint loading took '%s'", endedAt.Sub(startedAt))
	}()

	var createCheckpoint bool

	// Check if checkpoint file exists; if it does not exist - create it,
	// otherwise, try to load it.
	if _, err := os.Stat(checkpointFile); err != nil {
		if os.IsNotExist(err) {
			createCheckpoint = true
		} else {
			return nil, errors.Wrap(err, "unable to stat checkpoint file")
		}
	}

	if createCheckpoint {
		logrus.Debugf("creating checkpoint file '%s'", checkpointFile)
		return create(checkpointFile, indexFile, sourceFile, spacing)
	}

	logrus.Debugf("loading checkpoint file '%s'", checkpointFile)
	return load(checkpointFile, sourceFile, spacing)
}

// New returns an unsaved checkpoint for sourceFile with an empty index.
func New(indexFile, sourceFile string, spacing int64) (*types.Checkpoint, error) {
	info, err := os.Stat(sourceFile)
	if err != nil {
		return nil, errors.Wrap(err, "unable to stat source file")
	}

	index, err := zran.NewIndex(spacing)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create index")
	}

	now := time.Now()

	return &types.Checkpoint{
		IndexFile:   indexFile,
		SourceFile:  sourceFile,
		SourceSize:  info.Size(),
		StartedAt:   now,
		LastUpdated: now,
		Index:       index,
		Mutex:       &sync.Mutex{},
	}, nil
}

func load(checkpointFile, sourceFile string, spacing int64) (*types.Checkpoint, error) {
	data, err := os.ReadFile(checkpointFile)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read checkpoint file")
	}

	cp := &types.Checkpoint{Mutex: &sync.Mutex{}}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal checkpoint file")
	}

	if cp.SourceFile != sourceFile {
		return nil, errors.Errorf("checkpoint is for source file '%s', not '%s'", cp.SourceFile, sourceFile)
	}

	info, err := os.Stat(sourceFile)
	if err != nil {
		return nil, errors.Wrap(err, "unable to stat source file")
	}

	if info.Size() != cp.SourceSize {
		return nil, errors.Errorf("source file size changed from '%d' to '%d' since checkpoint", cp.SourceSize, info.Size())
	}

	index, err := ReadIndex(cp.IndexFile)
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrap(err, "unable to read checkpoint index")
		}

		logrus.Warnf("checkpoint index file '%s' is missing, index will be rebuilt", cp.IndexFile)

		if index, err = zran.NewIndex(spacing); err != nil {
			return nil, errors.Wrap(err, "unable to create index")
		}
	}

	cp.Index = index

	return cp, nil
}

func create(checkpointFile, indexFile, sourceFile string, spacing int64) (*types.Checkpoint, error) {
	cp, err := New(indexFile, sourceFile, spacing)
	if err != nil {
		return nil, err
	}

	if err := cp.Save(checkpointFile); err != nil {
		return nil, errors.Wrap(err, "unable to write checkpoint")
	}

	return cp, nil
}

// ReadIndex loads a saved index file.
func ReadIndex(indexFile string) (*zran.Index, error) {
	index, err := zran.LoadIndexFile(indexFile)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load index '%s'", indexFile)
	}

	return index, nil
}
