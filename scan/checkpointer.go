package scan

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// runCheckpointer is responsible for writing checkpoints to disk. It runs
// until cpChan is closed and always saves the last progress it received.
func (s *Scanner) runCheckpointer(cpChan <-chan *CheckpointJob) error {
	llog := s.log.WithFields(logrus.Fields{
		"method": "runCheckpointer",
	})

	llog.Debug("start")
	defer llog.Debug("exit")

	var last *CheckpointJob

	for cp := range cpChan {
		llog.Debugf("received checkpoint at offset '%v' batch '%v'", cp.Offset, cp.Seq)

		last = cp
		s.update(cp)

		if err := s.saveCheckpoint(false); err != nil {
			llog.Errorf("error saving checkpoint for offset '%v': %v", cp.Offset, err)
		}
	}

	if last == nil {
		return nil
	}

	if err := s.saveCheckpoint(true); err != nil {
		return errors.Wrap(err, "unable to save final checkpoint")
	}

	return nil
}

func (s *Scanner) update(cp *CheckpointJob) {
	s.cp.Lock()
	defer s.cp.Unlock()

	s.cp.Offset = cp.Offset
	s.cp.Lines = cp.Lines
	s.cp.Matches = cp.Matches
	s.cp.LastUpdated = time.Now()

	if cp.Done {
		completedAt := time.Now()
		s.cp.CompletedAt = &completedAt
	}
}

func (s *Scanner) saveCheckpoint(force bool) error {
	llog := s.log.WithFields(logrus.Fields{
		"method": "saveCheckpoint",
	})

	if s.cfg.TOML.Scan.DisableCheckpointing {
		return nil
	}

	// Skip checkpoint if it's NOT zero/unset OR we haven't passed CheckpointInterval
	if !force && !s.last.IsZero() && s.last.Add(time.Duration(s.cfg.TOML.Scan.CheckpointInterval)).After(time.Now()) {
		llog.Debugf("skipping checkpoint save, last save was %v ago", time.Since(s.last))
		return nil
	}

	llog.Debugf("saving checkpoint to '%s'", s.cfg.TOML.Scan.CheckpointFile)

	// Save checkpoint to disk
	if err := s.cp.Save(s.cfg.TOML.Scan.CheckpointFile); err != nil {
		return errors.Wrap(err, "unable to save checkpoint")
	}

	// Note that a checkpoint save has occurred
	s.last = time.Now()

	return nil
}
