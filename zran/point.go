package zran

import (
	"sort"
)

// Point is an access point: enough decoder state to restart decompression at
// Offset without decoding anything before it.
type Point struct {
	// Bit is the absolute position in the compressed source, in bits, where
	// decoding resumes. For member starts it is the first bit of the header.
	Bit int64

	// Offset is the logical uncompressed offset across all members.
	Offset int64

	Member       int
	MemberOffset int64

	// Window holds up to 32 KiB of output immediately preceding Offset in the
	// same member. It is empty for member starts.
	Window []byte

	// CRC is the CRC-32 of the member output preceding MemberOffset.
	CRC uint32

	// Header is set for member starts, where the gzip header must be parsed
	// before inflating.
	Header bool
}

// MemberStart returns the logical offset at which the point's member begins.
func (p Point) MemberStart() int64 {
	return p.Offset - p.MemberOffset
}

// Member describes one gzip member of a concatenated stream.
type Member struct {
	Index int

	// Start is the compressed byte offset of the member header.
	Start int64

	// Offset is the logical offset of the member's first uncompressed byte.
	Offset int64

	// Length is the uncompressed length, valid once Ended is set.
	Length int64
	Ended  bool

	Header Header
}

// members maps logical offsets onto (member, intra-member offset) pairs. It
// only knows members the index has reached so far. Guarded by Index.mu.
type members []Member

// begin records the start of member i. Members are only ever appended in order.
func (ms *members) begin(i int, start, offset int64, hdr Header) {
	if i != len(*ms) {
		return
	}
	*ms = append(*ms, Member{Index: i, Start: start, Offset: offset, Header: hdr})
}

func (ms members) end(i int, length int64) {
	if i >= len(ms) || ms[i].Ended {
		return
	}
	ms[i].Length = length
	ms[i].Ended = true
}

// locate translates a logical offset. Offsets past the last known member
// resolve into the last member.
func (ms members) locate(offset int64) (int, int64) {
	if len(ms) == 0 {
		return 0, offset
	}
	i := sort.Search(len(ms), func(i int) bool {
		return ms[i].Offset > offset
	})
	if i > 0 {
		i--
	}
	return i, offset - ms[i].Offset
}
