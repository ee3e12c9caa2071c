package zran

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"
)

const (
	gzipID1      = 0x1f
	gzipID2      = 0x8b
	gzipDeflate  = 8
	flagText     = 1 << 0
	flagHdrCrc   = 1 << 1
	flagExtra    = 1 << 2
	flagName     = 1 << 3
	flagComment  = 1 << 4
	flagReserved = 0xe0

	maxHeaderString = 64 * 1024
)

var le = binary.LittleEndian

// Header is the metadata stored in a gzip member header.
type Header struct {
	Comment string
	Extra   []byte
	ModTime time.Time
	Name    string
	OS      byte
}

// noEOF converts io.EOF to io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// readString reads a NUL-terminated ISO 8859-1 string and returns it as UTF-8.
func readString(r io.ByteReader, digest *uint32) (string, error) {
	var buf []byte
	needConv := false
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", noEOF(err)
		}
		*digest = crc32.Update(*digest, crc32.IEEETable, []byte{c})
		if c == 0 {
			break
		}
		if c > 0x7f {
			needConv = true
		}
		if len(buf) >= maxHeaderString {
			return "", ErrHeader
		}
		buf = append(buf, c)
	}
	if needConv {
		s := make([]rune, 0, len(buf))
		for _, v := range buf {
			s = append(s, rune(v))
		}
		return string(s), nil
	}
	return string(buf), nil
}

// readHeader parses a gzip member header per RFC 1952 section 2.3.1. It
// returns io.EOF, unwrapped, only when no byte at all could be read.
func readHeader(c *cursor) (Header, error) {
	var hdr Header
	var buf [10]byte

	b, err := c.ReadByte()
	if err != nil {
		return hdr, err
	}
	buf[0] = b
	if _, err := io.ReadFull(c, buf[1:10]); err != nil {
		return hdr, noEOF(err)
	}
	if buf[0] != gzipID1 || buf[1] != gzipID2 || buf[2] != gzipDeflate {
		return hdr, ErrHeader
	}
	flg := buf[3]
	if flg&flagReserved != 0 {
		return hdr, ErrHeader
	}
	if t := int64(le.Uint32(buf[4:8])); t > 0 {
		// Section 2.3.1, the zero value for MTIME means that the
		// modified time is not set.
		hdr.ModTime = time.Unix(t, 0)
	}
	// buf[8] is XFL and is ignored.
	hdr.OS = buf[9]
	digest := crc32.ChecksumIEEE(buf[:10])

	if flg&flagExtra != 0 {
		if _, err := io.ReadFull(c, buf[:2]); err != nil {
			return hdr, noEOF(err)
		}
		digest = crc32.Update(digest, crc32.IEEETable, buf[:2])
		data := make([]byte, le.Uint16(buf[:2]))
		if _, err := io.ReadFull(c, data); err != nil {
			return hdr, noEOF(err)
		}
		digest = crc32.Update(digest, crc32.IEEETable, data)
		hdr.Extra = data
	}

	if flg&flagName != 0 {
		if hdr.Name, err = readString(c, &digest); err != nil {
			return hdr, err
		}
	}

	if flg&flagComment != 0 {
		if hdr.Comment, err = readString(c, &digest); err != nil {
			return hdr, err
		}
	}

	if flg&flagHdrCrc != 0 {
		if _, err := io.ReadFull(c, buf[:2]); err != nil {
			return hdr, noEOF(err)
		}
		if le.Uint16(buf[:2]) != uint16(digest) {
			return hdr, ErrHeader
		}
	}

	return hdr, nil
}

// readTrailer reads the CRC-32 and ISIZE fields that end a member.
func readTrailer(c *cursor) (digest, size uint32, err error) {
	var buf [8]byte
	if _, err := io.ReadFull(c, buf[:]); err != nil {
		return 0, 0, noEOF(err)
	}
	return le.Uint32(buf[:4]), le.Uint32(buf[4:8]), nil
}

// skipPadding consumes the rest of the source after the last member. Zero
// bytes are tolerated as padding; anything else is trailing garbage.
func skipPadding(c *cursor, first byte) error {
	if first != 0 {
		return ErrTrailingGarbage
	}
	for {
		b, err := c.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if b != 0 {
			return ErrTrailingGarbage
		}
	}
}
