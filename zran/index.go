package zran

import (
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultSpacing is the default uncompressed distance between access points.
	DefaultSpacing = 1024 * 1024

	// MinSpacing is the smallest accepted access point spacing.
	MinSpacing = 1024
)

// Index is an ordered set of access points into one gzip stream. It grows
// lazily as offsets beyond Covered are requested and never shrinks. An Index
// may be shared by any number of Readers over the same compressed data; all
// mutation happens under a single lock.
type Index struct {
	mu sync.Mutex

	spacing int64
	points  []Point
	members members

	covered int64
	final   bool
	err     error

	// Identity of the compressed file the points were taken from, once
	// bound. A zero size means unbound.
	srcSize    int64
	srcModTime int64

	log *logrus.Entry
}

// NewIndex returns an empty index holding only the stream start point.
func NewIndex(spacing int64) (*Index, error) {
	if spacing < MinSpacing {
		return nil, errors.Wrapf(ErrInvalidSpacing, "spacing %d is below minimum %d", spacing, MinSpacing)
	}
	return newIndex(spacing), nil
}

func newIndex(spacing int64) *Index {
	return &Index{
		spacing: spacing,
		points:  []Point{{Header: true}},
		log:     logrus.WithField("pkg", "zran"),
	}
}

// SetLogger replaces the index logger.
func (idx *Index) SetLogger(log *logrus.Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.log = log
}

// ExtendTo decodes forward from the last access point until target is
// covered or the stream ends, capturing access points along the way.
func (idx *Index) ExtendTo(ra io.ReaderAt, target int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return idx.extendLocked(ra, target)
}

// ExtendAll indexes the whole stream.
func (idx *Index) ExtendAll(ra io.ReaderAt) error {
	return idx.ExtendTo(ra, math.MaxInt64)
}

func (idx *Index) extendLocked(ra io.ReaderAt, target int64) error {
	if target <= idx.covered {
		return nil
	}
	if idx.final {
		return idx.err
	}

	last := idx.points[len(idx.points)-1]

	llog := idx.log.WithFields(logrus.Fields{
		"method": "extendLocked",
		"target": target,
	})
	llog.Debugf("extending index from offset '%d' (covered '%d')", last.Offset, idx.covered)

	e := newEngine(ra, idx.spacing, heldObserver{idx}, idx.log)
	if err := e.resume(last); err != nil {
		return errors.Wrap(err, "unable to resume at last access point")
	}

	_, err := e.discard(target - e.pos)
	if err == io.EOF {
		err = nil
	}

	llog.Debugf("index covers '%d' bytes with '%d' points (final: %v)", idx.covered, len(idx.points), idx.final)

	return err
}

// Lookup returns the access point with the greatest offset not above offset,
// extending the index first when offset lies beyond what has been decoded.
func (idx *Index) Lookup(ra io.ReaderAt, offset int64) (Point, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if offset > idx.covered && !idx.final {
		if err := idx.extendLocked(ra, offset); err != nil && offset > idx.covered {
			return Point{}, err
		}
	}
	return idx.closestPointBefore(offset), nil
}

func (idx *Index) closestPointBefore(offset int64) Point {
	j := sort.Search(len(idx.points), func(j int) bool {
		return idx.points[j].Offset > offset
	})
	if j == 0 {
		return idx.points[0]
	}
	return idx.points[j-1]
}

// BindSource ties the index to a compressed file of the given size and
// modification time. The first call records them; later calls fail with
// ErrStaleIndex when the file no longer matches, since its points would
// decode garbage.
func (idx *Index) BindSource(size int64, modTime time.Time) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	mod := modTime.UnixNano()
	if idx.srcSize == 0 {
		idx.srcSize = size
		idx.srcModTime = mod
		return nil
	}
	if idx.srcSize != size || idx.srcModTime != mod {
		return errors.Wrapf(ErrStaleIndex, "index built for %d bytes modified at %s, file has %d bytes modified at %s",
			idx.srcSize, time.Unix(0, idx.srcModTime).UTC().Format(time.RFC3339Nano),
			size, modTime.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

// Spacing returns the target distance between access points.
func (idx *Index) Spacing() int64 {
	return idx.spacing
}

// Covered returns the highest uncompressed offset decoded so far.
func (idx *Index) Covered() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.covered
}

// Final reports whether the index reached the end of the stream or a fault.
func (idx *Index) Final() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.final
}

// Length returns the uncompressed stream length and whether it is known.
func (idx *Index) Length() (int64, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.covered, idx.final && idx.err == nil
}

// Err returns the fault that stopped indexing, if any.
func (idx *Index) Err() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.err
}

// Points returns a copy of the access points.
func (idx *Index) Points() []Point {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return append([]Point(nil), idx.points...)
}

// Members returns the gzip members discovered so far.
func (idx *Index) Members() []Member {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return append([]Member(nil), idx.members...)
}

// Locate translates a logical offset into a member index and an offset
// relative to that member, as far as members are known.
func (idx *Index) Locate(offset int64) (member int, intra int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.members.locate(offset)
}

// The methods below require idx.mu.

func (idx *Index) wantPointLocked(offset int64) bool {
	last := idx.points[len(idx.points)-1]
	return offset > last.Offset && offset-last.Offset >= idx.spacing
}

func (idx *Index) addPointLocked(p Point) {
	last := idx.points[len(idx.points)-1]
	if p.Bit <= last.Bit {
		return
	}
	switch {
	case p.Header:
		if p.Member != last.Member+1 || p.Offset < last.Offset {
			return
		}
	default:
		if p.Member != last.Member || p.Offset-last.Offset < idx.spacing {
			return
		}
	}
	idx.points = append(idx.points, p)

	idx.log.WithFields(logrus.Fields{
		"method": "addPointLocked",
		"member": p.Member,
		"offset": p.Offset,
		"bit":    p.Bit,
	}).Debug("added access point")
}

func (idx *Index) reachedLocked(offset int64) {
	if offset > idx.covered {
		idx.covered = offset
	}
}

func (idx *Index) finishLocked(length int64) {
	if idx.final {
		return
	}
	idx.reachedLocked(length)
	idx.final = true
	idx.log.WithField("method", "finishLocked").Debugf("end of stream at '%d'", idx.covered)
}

func (idx *Index) failLocked(err *StreamError) {
	if idx.final {
		return
	}
	idx.final = true
	idx.err = err
	idx.log.WithField("method", "failLocked").Warnf("indexing stopped at '%d': %v", idx.covered, err)
}

// heldObserver feeds an engine driven by the index itself, with mu held.
type heldObserver struct {
	idx *Index
}

func (o heldObserver) wantPoint(offset int64) bool { return o.idx.wantPointLocked(offset) }
func (o heldObserver) addPoint(p Point) { o.idx.addPointLocked(p) }
func (o heldObserver) endMember(i int, n int64) { o.idx.members.end(i, n) }
func (o heldObserver) reached(offset int64) { o.idx.reachedLocked(offset) }
func (o heldObserver) finish(length int64) { o.idx.finishLocked(length) }
func (o heldObserver) fail(err *StreamError) { o.idx.failLocked(err) }

func (o heldObserver) beginMember(i int, start, offset int64, hdr Header) {
	o.idx.members.begin(i, start, offset, hdr)
}

// lockedObserver feeds a Reader's private engine, taking mu per event.
type lockedObserver struct {
	idx *Index
}

func (o lockedObserver) wantPoint(offset int64) bool {
	o.idx.mu.Lock()
	defer o.idx.mu.Unlock()
	return o.idx.wantPointLocked(offset)
}

func (o lockedObserver) addPoint(p Point) {
	o.idx.mu.Lock()
	defer o.idx.mu.Unlock()
	o.idx.addPointLocked(p)
}

func (o lockedObserver) beginMember(i int, start, offset int64, hdr Header) {
	o.idx.mu.Lock()
	defer o.idx.mu.Unlock()
	o.idx.members.begin(i, start, offset, hdr)
}

func (o lockedObserver) endMember(i int, length int64) {
	o.idx.mu.Lock()
	defer o.idx.mu.Unlock()
	o.idx.members.end(i, length)
}

func (o lockedObserver) reached(offset int64) {
	o.idx.mu.Lock()
	defer o.idx.mu.Unlock()
	o.idx.reachedLocked(offset)
}

func (o lockedObserver) finish(length int64) {
	o.idx.mu.Lock()
	defer o.idx.mu.Unlock()
	o.idx.finishLocked(length)
}

func (o lockedObserver) fail(err *StreamError) {
	o.idx.mu.Lock()
	defer o.idx.mu.Unlock()
	o.idx.failLocked(err)
}
