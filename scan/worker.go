package scan

import (
	"context"

	"github.com/sirupsen/logrus"
)

func (s *Scanner) runWorker(
	shutdownCtx context.Context,
	id int,
	workCh <-chan *Batch,
	resultCh chan<- *Result,
) error {
	llog := s.log.WithFields(logrus.Fields{
		"method": "runWorker",
		"id":     id,
	})

	llog.Debug("start")
	defer llog.Debug("exit")

	var numProcessed int

MAIN:
	for {
		select {
		case <-shutdownCtx.Done():
			llog.Debug("received shutdown signal")
			break MAIN
		case batch, open := <-workCh:
			if !open {
				llog.Debug("work channel closed - exiting worker")
				break MAIN
			}

			res := s.matchBatch(batch)

			select {
			case <-shutdownCtx.Done():
				break MAIN
			case resultCh <- res:
			}

			numProcessed++
		}
	}

	llog.Debugf("handled '%d' batches", numProcessed)

	return nil
}

func (s *Scanner) matchBatch(b *Batch) *Result {
	res := &Result{
		Seq:   b.Seq,
		Lines: int64(len(b.Lines)),
		End:   b.End,
		Last:  b.Last,
	}

	for _, l := range b.Lines {
		if s.re.Match(trimNewline(l.Data)) {
			res.Matches = append(res.Matches, l)
		}
	}

	return res
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
		if n := len(b); n > 0 && b[n-1] == '\r' {
			b = b[:n-1]
		}
	}
	return b
}
