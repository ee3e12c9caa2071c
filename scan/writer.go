package scan

import (
	"bufio"
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// runWriter emits matches in file order. Results arrive in any order; each
// is held until every batch before it has been written.
func (s *Scanner) runWriter(shutdownCtx context.Context, resultCh <-chan *Result, cpCh chan<- *CheckpointJob) error {
	llog := s.log.WithFields(logrus.Fields{
		"method": "runWriter",
	})

	llog.Debug("start")
	defer llog.Debug("exit")

	w := bufio.NewWriter(s.out)
	defer w.Flush()

	pending := make(map[int64]*Result)

	s.cp.Lock()
	lines, matches := s.cp.Lines, s.cp.Matches
	s.cp.Unlock()

	var next int64

MAIN:
	for {
		select {
		case <-shutdownCtx.Done():
			llog.Debug("received shutdown signal")
			break MAIN
		case res, open := <-resultCh:
			if !open {
				llog.Debug("result channel closed - exiting writer")
				break MAIN
			}

			pending[res.Seq] = res

			for {
				r, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)

				if err := s.writeResult(w, r); err != nil {
					return errors.Wrap(err, "error writing matches")
				}

				// Output must be durable before the checkpoint moves past it.
				if err := w.Flush(); err != nil {
					return errors.Wrap(err, "unable to flush output")
				}

				lines += r.Lines
				matches += int64(len(r.Matches))

				cpCh <- &CheckpointJob{
					Seq:     r.Seq,
					Offset:  r.End,
					Lines:   lines,
					Matches: matches,
					Done:    r.Last,
				}

				next++
			}
		}
	}

	if len(pending) > 0 {
		llog.Debugf("dropping '%d' out of order batches", len(pending))
	}

	return nil
}

func (s *Scanner) writeResult(w *bufio.Writer, r *Result) error {
	var buf []byte

	for _, m := range r.Matches {
		buf = strconv.AppendInt(buf[:0], m.Offset, 10)
		buf = append(buf, ':')
		buf = append(buf, m.Data...)
		if m.Data[len(m.Data)-1] != '\n' {
			buf = append(buf, '\n')
		}

		if _, err := w.Write(buf); err != nil {
			return err
		}
	}

	return nil
}
