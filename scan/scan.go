// Package scan runs a resumable pattern scan over the lines of a gzip file.
// A reader goroutine cuts the file into batches of lines, workers match them
// against the pattern, a writer emits matches in file order and a
// checkpointer periodically persists the offset reached together with the
// access point index, so an interrupted scan resumes without rescanning.
package scan

import (
	"context"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dselans/gzseek/checkpoint"
	"github.com/dselans/gzseek/checkpoint/types"
	"github.com/dselans/gzseek/config"
	"github.com/dselans/gzseek/validate"
)

// Line is one line of the source with its uncompressed offset.
type Line struct {
	Offset int64
	Data   []byte
}

// Batch is a run of consecutive lines. Seq orders batches; End is the
// offset just past the last line. Last marks the batch that ends the file.
type Batch struct {
	Seq   int64
	Lines []Line
	End   int64
	Last  bool
}

// Result is a matched batch.
type Result struct {
	Seq     int64
	Matches []Line
	Lines   int64
	End     int64
	Last    bool
}

// CheckpointJob is the progress reached once every batch up to Seq has been
// written out. Done is set once the whole file has been scanned.
type CheckpointJob struct {
	Seq     int64
	Offset  int64
	Lines   int64
	Matches int64
	Done    bool
}

type Scanner struct {
	cfg *config.Config
	log *logrus.Entry
	cp  *types.Checkpoint
	re  *regexp.Regexp
	out io.Writer

	file string
	last time.Time
}

func New(cfg *config.Config, out io.Writer) (*Scanner, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "error validating config")
	}

	if out == nil {
		return nil, errors.New("output writer cannot be nil")
	}

	file := cfg.CLI.Scan.File
	if file == "" {
		return nil, errors.New("source file cannot be empty")
	}

	re, err := regexp.Compile(cfg.CLI.Scan.Pattern)
	if err != nil {
		return nil, errors.Wrap(err, "unable to compile pattern")
	}

	sc := cfg.TOML.Scan

	var cp *types.Checkpoint

	if cfg.CLI.Scan.DisableResume || sc.DisableCheckpointing {
		// Start over; an existing checkpoint is overwritten on first save.
		cp, err = checkpoint.New(sc.CheckpointIndex, file, cfg.TOML.Index.Spacing)
	} else {
		// Load checkpoint (or create if it doesn't exist)
		cp, err = checkpoint.Load(sc.CheckpointFile, sc.CheckpointIndex, file, cfg.TOML.Index.Spacing)
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to load checkpoint file")
	}

	if err := validate.Checkpoint(cp); err != nil {
		return nil, errors.Wrap(err, "invalid checkpoint")
	}

	if cp.Pattern == "" {
		cp.Pattern = re.String()
	} else if cp.Pattern != re.String() {
		return nil, errors.Errorf("checkpoint was created for pattern '%s', not '%s'", cp.Pattern, re.String())
	}

	return &Scanner{
		cfg:  cfg,
		log:  logrus.WithField("pkg", "scan"),
		cp:   cp,
		re:   re,
		out:  out,
		file: file,
	}, nil
}

// Checkpoint returns the scan progress.
func (s *Scanner) Checkpoint() *types.Checkpoint {
	return s.cp
}

func (s *Scanner) Run(shutdownCtx context.Context) error {
	llog := s.log.WithFields(logrus.Fields{
		"method": "Run",
		"file":   s.file,
	})

	if s.cp.CompletedAt != nil {
		llog.Infof("scan already completed at '%s', nothing to do", s.cp.CompletedAt)
		return nil
	}

	llog.Debugf("starting scan at offset '%d'", s.cp.Offset)

	numWorkers := s.cfg.TOML.Scan.NumWorkers

	workCh := make(chan *Batch, numWorkers)
	resultCh := make(chan *Result, numWorkers)
	cpCh := make(chan *CheckpointJob, 1000)

	// The checkpointer outlives the pipeline so it can record the final
	// offset even when the pipeline stops early.
	cpWg := &sync.WaitGroup{}
	cpWg.Add(1)

	var cpErr error

	go func() {
		defer cpWg.Done()
		cpErr = s.runCheckpointer(cpCh)
	}()

	g, ctx := errgroup.WithContext(shutdownCtx)

	// Launch reader
	g.Go(func() error {
		if err := s.runReader(ctx, workCh); err != nil {
			return errors.Wrap(err, "error in reader")
		}
		return nil
	})

	// Launch workers
	workers := &sync.WaitGroup{}
	for i := 0; i < numWorkers; i++ {
		id := i
		workers.Add(1)

		g.Go(func() error {
			defer workers.Done()

			if err := s.runWorker(ctx, id, workCh, resultCh); err != nil {
				return errors.Wrapf(err, "error in worker %d", id)
			}
			return nil
		})
	}

	g.Go(func() error {
		workers.Wait()
		close(resultCh)
		return nil
	})

	// Launch writer
	g.Go(func() error {
		defer close(cpCh)

		if err := s.runWriter(ctx, resultCh, cpCh); err != nil {
			return errors.Wrap(err, "error in writer")
		}
		return nil
	})

	err := g.Wait()

	cpWg.Wait()

	if err != nil {
		return err
	}

	if cpErr != nil {
		return errors.Wrap(cpErr, "error in checkpointer")
	}

	if shutdownCtx.Err() != nil {
		llog.Debug("scan interrupted")
		return nil
	}

	llog.Debugf("scan completed: '%d' lines, '%d' matches", s.cp.Lines, s.cp.Matches)

	return nil
}
