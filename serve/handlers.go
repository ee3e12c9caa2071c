package serve

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/dselans/gzseek/zran"
)

const (
	defaultLineCount = 100
	maxLineCount     = 10_000
)

type indexResponse struct {
	Spacing int64          `json:"spacing"`
	Covered int64          `json:"covered"`
	Final   bool           `json:"final"`
	Length  *int64         `json:"length,omitempty"`
	Points  int            `json:"points"`
	Members []memberStatus `json:"members"`
	Error   string         `json:"error,omitempty"`
}

type memberStatus struct {
	Index  int    `json:"index"`
	Start  int64  `json:"start"`
	Offset int64  `json:"offset"`
	Length *int64 `json:"length,omitempty"`
	Name   string `json:"name,omitempty"`
}

type pointStatus struct {
	Bit    int64 `json:"bit"`
	Offset int64 `json:"offset"`
	Member int   `json:"member"`
	Header bool  `json:"header,omitempty"`
}

type lineResponse struct {
	Offset int64  `json:"offset"`
	Line   string `json:"line"`
}

type linesResponse struct {
	Lines []lineResponse `json:"lines"`
	Next  int64          `json:"next"`
	EOF   bool           `json:"eof"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleContent serves the uncompressed stream, honoring Range requests.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	rd, err := s.open()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer rd.Close()

	ctype := mime.TypeByExtension(filepath.Ext(s.name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)

	http.ServeContent(w, r, s.name, s.modTime, rd)
}

// handleLines returns up to count lines starting at offset as JSON.
func (s *Server) handleLines(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		s.writeError(w, http.StatusBadRequest, errBadParam("offset"))
		return
	}

	count, err := queryInt(r, "count", defaultLineCount)
	if err != nil || count < 1 || count > maxLineCount {
		s.writeError(w, http.StatusBadRequest, errBadParam("count"))
		return
	}

	rd, err := s.open()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer rd.Close()

	pos, err := rd.Seek(offset, io.SeekStart)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	resp := linesResponse{Lines: []lineResponse{}}

	for i := int64(0); i < count; i++ {
		line, err := rd.ReadLine(-1)
		if err != nil {
			s.writeError(w, statusFor(err), err)
			return
		}
		if len(line) == 0 {
			resp.EOF = true
			break
		}
		resp.Lines = append(resp.Lines, lineResponse{Offset: pos, Line: string(line)})
		pos += int64(len(line))
	}

	resp.Next = pos

	s.writeJSON(w, http.StatusOK, resp)
}

// handleIndex reports index progress. With ?full=true the whole stream is
// indexed first.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("full") == "true" {
		if err := s.idx.ExtendAll(s.src); err != nil && !zran.IsMalformed(err) {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	resp := indexResponse{
		Spacing: s.idx.Spacing(),
		Covered: s.idx.Covered(),
		Final:   s.idx.Final(),
		Points:  len(s.idx.Points()),
		Members: []memberStatus{},
	}

	if length, ok := s.idx.Length(); ok {
		resp.Length = &length
	}

	if err := s.idx.Err(); err != nil {
		resp.Error = err.Error()
	}

	for _, m := range s.idx.Members() {
		ms := memberStatus{
			Index:  m.Index,
			Start:  m.Start,
			Offset: m.Offset,
			Name:   m.Header.Name,
		}
		if m.Ended {
			length := m.Length
			ms.Length = &length
		}
		resp.Members = append(resp.Members, ms)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	points := s.idx.Points()
	resp := make([]pointStatus, 0, len(points))

	for _, p := range points {
		resp = append(resp, pointStatus{
			Bit:    p.Bit,
			Offset: p.Offset,
			Member: p.Member,
			Header: p.Header,
		})
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithField("method", "writeJSON").Errorf("unable to encode response: %s", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps reader errors onto HTTP statuses; data errors are the
// file's fault, not the server's.
func statusFor(err error) int {
	if zran.IsMalformed(err) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

type errBadParam string

func (e errBadParam) Error() string {
	return "invalid query parameter '" + string(e) + "'"
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
