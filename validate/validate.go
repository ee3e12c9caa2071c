package validate

import (
	"github.com/pkg/errors"

	"github.com/dselans/gzseek/checkpoint/types"
)

func Checkpoint(cp *types.Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint is nil")
	}

	if cp.Mutex == nil {
		return errors.New("checkpoint mutex is nil")
	}

	if cp.SourceFile == "" {
		return errors.New("checkpoint source file cannot be empty")
	}

	if cp.IndexFile == "" {
		return errors.New("checkpoint index file cannot be empty")
	}

	if cp.Index == nil {
		return errors.New("checkpoint index is nil")
	}

	if cp.Offset < 0 {
		return errors.Errorf("checkpoint offset '%d' cannot be negative", cp.Offset)
	}

	if covered := cp.Index.Covered(); cp.Offset > covered {
		return errors.Errorf("checkpoint offset '%d' is beyond indexed data '%d'", cp.Offset, covered)
	}

	if cp.Lines < 0 || cp.Matches < 0 || cp.Matches > cp.Lines {
		return errors.Errorf("checkpoint counters are inconsistent (lines '%d', matches '%d')", cp.Lines, cp.Matches)
	}

	return nil
}
