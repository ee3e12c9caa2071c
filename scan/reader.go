package scan

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dselans/gzseek/zran"
)

func (s *Scanner) runReader(shutdownCtx context.Context, workCh chan<- *Batch) error {
	llog := s.log.WithFields(logrus.Fields{
		"method": "runReader",
	})
	llog.Debug("start")
	defer llog.Debug("exit")

	defer close(workCh)

	reader, err := zran.Open(zran.Options{
		Path:           s.file,
		Index:          s.cp.Index,
		ReadAllBufSize: s.cfg.TOML.Index.ReadAllBufSize,
		Logger:         logrus.WithField("pkg", "zran"),
	})
	if err != nil {
		return errors.Wrap(err, "unable to create reader")
	}
	defer reader.Close()

	// Where to start reading from
	offset, err := reader.Seek(s.cp.Offset, io.SeekStart)
	if err != nil {
		return errors.Wrapf(err, "unable to seek to checkpoint offset '%d'", s.cp.Offset)
	}

	if offset != s.cp.Offset {
		return errors.Errorf("checkpoint offset '%d' is past the end of the file ('%d')", s.cp.Offset, offset)
	}

	batchSize := s.cfg.TOML.Scan.BatchSize
	batch := &Batch{Lines: make([]Line, 0, batchSize)}

	var seq, numRead int64

	send := func(b *Batch) bool {
		select {
		case <-shutdownCtx.Done():
			return false
		case workCh <- b:
			return true
		}
	}

MAIN:
	for {
		select {
		case <-shutdownCtx.Done():
			llog.Debug("received shutdown signal")
			break MAIN
		default:
		}

		line, err := reader.ReadLine(-1)
		if err != nil {
			return errors.Wrapf(err, "unable to read line at offset '%d'", offset)
		}

		if len(line) == 0 {
			llog.Debug("EOF reached")

			batch.Seq = seq
			batch.End = offset
			batch.Last = true
			send(batch)

			break MAIN
		}

		batch.Lines = append(batch.Lines, Line{Offset: offset, Data: line})
		offset += int64(len(line))
		numRead++

		if len(batch.Lines) < batchSize {
			continue
		}

		batch.Seq = seq
		batch.End = offset

		llog.Debugf("sending batch '%d' ending at offset '%d'", seq, offset)

		if !send(batch) {
			break MAIN
		}

		seq++
		batch = &Batch{Lines: make([]Line, 0, batchSize)}
	}

	llog.Debugf("read '%d' lines", numRead)

	return nil
}
