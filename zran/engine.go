package zran

import (
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dselans/gzseek/zran/internal/flate"
)

const discardBufSize = 32 * 1024

type engineState int

const (
	stateVirgin engineState = iota
	stateResumed
)

// observer is told everything an engine learns about the stream while it
// decodes forward, so the index can grow from any decode.
type observer interface {
	wantPoint(offset int64) bool
	addPoint(p Point)
	beginMember(i int, start, offset int64, hdr Header)
	endMember(i int, length int64)
	reached(offset int64)
	finish(length int64)
	fail(err *StreamError)
}

// engine is the resumable inflate engine. It is rebuilt from an access point
// on every resume and never adjusted in place.
type engine struct {
	cur *cursor
	dec *flate.Decompressor
	obs observer
	log *logrus.Entry

	state   engineState
	point   Point
	spacing int64

	pos         int64 // logical offset of the next byte produced
	member      int
	memberStart int64
	decBase     int64 // logical offset at the decoder's last Reset
	digest      uint32

	lastCand int64
	pending  []Point

	eof bool
	err error

	scratch []byte
}

func newEngine(ra io.ReaderAt, spacing int64, obs observer, log *logrus.Entry) *engine {
	e := &engine{
		cur:     newCursor(ra),
		obs:     obs,
		log:     log,
		spacing: spacing,
	}
	e.dec = flate.NewReader(nil)
	e.dec.OnBlockEnd = e.blockEnd
	return e
}

// resumed reports whether the engine holds a decoder positioned at e.pos.
func (e *engine) resumed() bool {
	return e.state == stateResumed && e.err == nil
}

// invalidate drops the decoder so the next use must resume.
func (e *engine) invalidate() {
	e.state = stateVirgin
}

// resume rebuilds the decoder at p. Member starts re-parse the gzip header;
// any other point primes the bit buffer with the unused tail of the byte
// holding p.Bit and presets p.Window as dictionary.
func (e *engine) resume(p Point) error {
	e.state = stateResumed
	e.point = p
	e.pending = e.pending[:0]
	e.err = nil
	e.eof = false
	e.member = p.Member
	e.pos = p.Offset
	e.memberStart = p.MemberStart()
	e.decBase = p.Offset
	e.lastCand = p.Offset

	e.log.WithFields(logrus.Fields{
		"method": "resume",
		"member": p.Member,
		"offset": p.Offset,
		"bit":    p.Bit,
	}).Debug("resuming decoder")

	e.cur.reset(p.Bit / 8)

	if p.Header {
		e.digest = 0
		return e.startMember(p.Bit / 8)
	}

	shift := uint(p.Bit % 8)
	var tail byte
	if shift > 0 {
		c, err := e.cur.ReadByte()
		if err != nil {
			return e.fail(noEOF(err))
		}
		tail = c >> shift
	}
	e.dec.Reset(e.cur, p.Window)
	if shift > 0 {
		e.dec.Prime(8-shift, tail)
	}
	e.digest = p.CRC
	return nil
}

// startMember parses the header at the cursor and starts a fresh decoder.
func (e *engine) startMember(start int64) error {
	hdr, err := readHeader(e.cur)
	if err == io.EOF {
		if e.member == 0 && e.pos == 0 {
			// A source with no members is an empty stream.
			e.eof = true
			e.obs.finish(0)
			return nil
		}
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return e.fail(err)
	}

	e.memberStart = e.pos
	e.decBase = e.pos
	e.lastCand = e.pos
	e.digest = 0
	e.dec.Reset(e.cur, nil)

	e.obs.beginMember(e.member, start, e.pos, hdr)
	e.obs.addPoint(Point{
		Bit:    start * 8,
		Offset: e.pos,
		Member: e.member,
		Header: true,
	})
	return nil
}

// blockEnd runs inside the decoder at every deflate block boundary.
func (e *engine) blockEnd(final bool) {
	if final {
		return
	}
	off := e.decBase + e.dec.Written()
	if off-e.lastCand < e.spacing || !e.obs.wantPoint(off) {
		return
	}
	e.pending = append(e.pending, Point{
		Bit:          e.cur.offset()*8 - int64(e.dec.BufferedBits()),
		Offset:       off,
		Member:       e.member,
		MemberOffset: off - e.memberStart,
		Window:       e.dec.Window(),
	})
	e.lastCand = off
}

// account folds delivered bytes into the member checksum. Pending points get
// the checksum of exactly the bytes before them and are handed to the
// observer once all of those bytes have been delivered.
func (e *engine) account(b []byte) {
	off := e.pos
	for len(e.pending) > 0 {
		k := e.pending[0].Offset - off
		if k > int64(len(b)) {
			break
		}
		e.digest = crc32.Update(e.digest, crc32.IEEETable, b[:k])
		b = b[k:]
		off += k

		p := e.pending[0]
		p.CRC = e.digest
		e.obs.addPoint(p)
		e.pending = e.pending[1:]
	}
	e.digest = crc32.Update(e.digest, crc32.IEEETable, b)
	e.pos = off + int64(len(b))
	e.obs.reached(e.pos)
}

// produce decodes up to len(p) bytes, crossing member boundaries. It returns
// io.EOF only at the logical end of the stream.
func (e *engine) produce(p []byte) (int, error) {
	if e.state != stateResumed {
		return 0, errors.New("zran: engine used before resume")
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if e.err != nil {
			return 0, e.err
		}
		if e.eof {
			return 0, io.EOF
		}

		n, err := e.dec.Read(p)
		if n > 0 {
			e.account(p[:n])
		}

		switch {
		case err == nil:
		case err == io.EOF:
			err = e.finishMember()
		default:
			e.fail(err)
		}

		if n > 0 {
			return n, nil
		}
		if err != nil {
			return 0, e.err
		}
	}
}

// discard skips n bytes of output.
func (e *engine) discard(n int64) (int64, error) {
	if e.scratch == nil {
		e.scratch = make([]byte, discardBufSize)
	}
	var done int64
	for done < n {
		buf := e.scratch
		if rem := n - done; rem < int64(len(buf)) {
			buf = buf[:rem]
		}
		m, err := e.produce(buf)
		done += int64(m)
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

// finishMember verifies the trailer and moves on to the next member, if any.
func (e *engine) finishMember() error {
	e.account(nil)

	digest, size, err := readTrailer(e.cur)
	if err != nil {
		return e.fail(err)
	}
	length := e.pos - e.memberStart
	if digest != e.digest || size != uint32(length) {
		return e.fail(ErrChecksum)
	}
	e.obs.endMember(e.member, length)

	start := e.cur.offset()
	b, err := e.cur.ReadByte()
	if err == io.EOF {
		e.eof = true
		e.obs.finish(e.pos)
		return nil
	}
	if err != nil {
		return e.fail(err)
	}
	if b != gzipID1 {
		if err := skipPadding(e.cur, b); err != nil {
			return e.fail(err)
		}
		e.eof = true
		e.obs.finish(e.pos)
		return nil
	}
	if err := e.cur.unreadByte(); err != nil {
		return e.fail(err)
	}

	e.member++
	e.log.WithFields(logrus.Fields{
		"method": "finishMember",
		"member": e.member,
		"offset": e.pos,
	}).Debug("entering next gzip member")
	return e.startMember(start)
}

// fail records err as sticky. Malformed data is reported to the observer;
// source errors are returned unchanged.
func (e *engine) fail(err error) error {
	if malformed(err) {
		se := &StreamError{Member: e.member, Offset: e.pos, Err: err}
		e.obs.fail(se)
		e.err = se
	} else {
		e.err = err
	}
	return e.err
}
