package zran

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"time"

	kflate "github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

// indexFormatVersion changes whenever the saved layout does. Saved indexes
// are a cache for the build that wrote them, not an interchange format.
const indexFormatVersion = 2

type savedIndex struct {
	Version int           `codec:"version"`
	Spacing int64         `codec:"spacing"`
	Covered int64         `codec:"covered"`
	Final   bool          `codec:"final"`
	SrcSize int64         `codec:"source_size"`
	SrcMod  int64         `codec:"source_mod_time"`
	Points  []savedPoint  `codec:"points"`
	Members []savedMember `codec:"members"`
}

type savedPoint struct {
	Bit          int64  `codec:"bit"`
	Offset       int64  `codec:"offset"`
	Member       int    `codec:"member"`
	MemberOffset int64  `codec:"member_offset"`
	CRC          uint32 `codec:"crc"`
	Header       bool   `codec:"header"`
	Window       []byte `codec:"window"` // deflated
}

type savedMember struct {
	Start   int64  `codec:"start"`
	Offset  int64  `codec:"offset"`
	Length  int64  `codec:"length"`
	Ended   bool   `codec:"ended"`
	Name    string `codec:"name"`
	Comment string `codec:"comment"`
	Extra   []byte `codec:"extra"`
	ModTime int64  `codec:"mod_time"`
	OS      byte   `codec:"os"`
}

func msgpackHandle() *codec.MsgpackHandle {
	mh := &codec.MsgpackHandle{}
	mh.WriteExt = true
	mh.RawToString = true
	return mh
}

// Save serializes the index. An index stopped by a fault is saved as not
// final, so a later extension reports the fault again.
func (idx *Index) Save(w io.Writer) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	si := savedIndex{
		Version: indexFormatVersion,
		Spacing: idx.spacing,
		Covered: idx.covered,
		Final:   idx.final && idx.err == nil,
		SrcSize: idx.srcSize,
		SrcMod:  idx.srcModTime,
	}

	for _, p := range idx.points {
		win, err := deflateWindow(p.Window)
		if err != nil {
			return errors.Wrap(err, "unable to compress access point window")
		}
		si.Points = append(si.Points, savedPoint{
			Bit:          p.Bit,
			Offset:       p.Offset,
			Member:       p.Member,
			MemberOffset: p.MemberOffset,
			CRC:          p.CRC,
			Header:       p.Header,
			Window:       win,
		})
	}

	for _, m := range idx.members {
		sm := savedMember{
			Start:   m.Start,
			Offset:  m.Offset,
			Length:  m.Length,
			Ended:   m.Ended,
			Name:    m.Header.Name,
			Comment: m.Header.Comment,
			Extra:   m.Header.Extra,
			OS:      m.Header.OS,
		}
		if !m.Header.ModTime.IsZero() {
			sm.ModTime = m.Header.ModTime.Unix()
		}
		si.Members = append(si.Members, sm)
	}

	if err := codec.NewEncoder(w, msgpackHandle()).Encode(&si); err != nil {
		return errors.Wrap(err, "unable to encode index")
	}

	return nil
}

// LoadIndex deserializes an index written by Save.
func LoadIndex(r io.Reader) (*Index, error) {
	var si savedIndex
	if err := codec.NewDecoder(r, msgpackHandle()).Decode(&si); err != nil {
		return nil, errors.Wrap(err, "unable to decode index")
	}

	if si.Version != indexFormatVersion {
		return nil, errors.Wrapf(ErrIndexVersion, "got version %d, want %d", si.Version, indexFormatVersion)
	}
	if si.Spacing < MinSpacing {
		return nil, errors.Wrapf(ErrBadIndex, "spacing %d is below minimum", si.Spacing)
	}
	if len(si.Points) == 0 || !si.Points[0].Header || si.Points[0].Offset != 0 || si.Points[0].Bit != 0 {
		return nil, errors.Wrap(ErrBadIndex, "missing stream start point")
	}

	idx := &Index{
		spacing:    si.Spacing,
		covered:    si.Covered,
		final:      si.Final,
		srcSize:    si.SrcSize,
		srcModTime: si.SrcMod,
		log:        logrus.WithField("pkg", "zran"),
	}

	for i, sp := range si.Points {
		win, err := inflateWindow(sp.Window)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to decompress window of point %d", i)
		}
		p := Point{
			Bit:          sp.Bit,
			Offset:       sp.Offset,
			Member:       sp.Member,
			MemberOffset: sp.MemberOffset,
			CRC:          sp.CRC,
			Header:       sp.Header,
			Window:       win,
		}
		if i > 0 {
			prev := idx.points[i-1]
			if p.Bit <= prev.Bit || p.Offset < prev.Offset || p.Offset > si.Covered {
				return nil, errors.Wrapf(ErrBadIndex, "point %d is out of order", i)
			}
		}
		idx.points = append(idx.points, p)
	}

	for i, sm := range si.Members {
		hdr := Header{
			Name:    sm.Name,
			Comment: sm.Comment,
			Extra:   sm.Extra,
			OS:      sm.OS,
		}
		if sm.ModTime > 0 {
			hdr.ModTime = time.Unix(sm.ModTime, 0)
		}
		idx.members = append(idx.members, Member{
			Index:  i,
			Start:  sm.Start,
			Offset: sm.Offset,
			Length: sm.Length,
			Ended:  sm.Ended,
			Header: hdr,
		})
	}

	return idx, nil
}

func deflateWindow(win []byte) ([]byte, error) {
	if len(win) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	fw, err := kflate.NewWriter(&buf, kflate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(win); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflateWindow(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	fr := kflate.NewReader(bytes.NewReader(data))
	defer fr.Close()
	return io.ReadAll(fr)
}

// SaveFile writes the index to path through a temp file in the same
// directory, so readers never see a partial index.
func (idx *Index) SaveFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "unable to create temp index file")
	}
	defer os.Remove(tmp.Name())

	if err := idx.Save(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "unable to close temp index file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "unable to move index into place at '%s'", path)
	}
	return nil
}

// LoadIndexFile reads an index written by SaveFile.
func LoadIndexFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return LoadIndex(bufio.NewReader(f))
}
