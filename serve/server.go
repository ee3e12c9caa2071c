// Package serve exposes the uncompressed contents of one gzip file over HTTP.
// Every request gets its own zran.Reader; all of them share one access point
// index, so the file is decoded from the start at most once.
package serve

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dselans/gzseek/zran"
)

type Options struct {
	// File is the gzip file to serve.
	File string

	// Index is shared by every request. A new one is created if nil.
	Index *zran.Index

	// IndexSpacing applies when Index is nil.
	IndexSpacing int64

	ReadAllBufSize int
}

type Server struct {
	opts    Options
	src     *os.File
	name    string
	modTime time.Time
	idx     *zran.Index
	router  *mux.Router
	log     *logrus.Entry
}

func New(opts Options) (*Server, error) {
	if opts.File == "" {
		return nil, errors.New("file cannot be empty")
	}

	if opts.IndexSpacing == 0 {
		opts.IndexSpacing = zran.DefaultSpacing
	}

	idx := opts.Index
	if idx == nil {
		var err error
		if idx, err = zran.NewIndex(opts.IndexSpacing); err != nil {
			return nil, errors.Wrap(err, "unable to create index")
		}
	}

	// *os.File.ReadAt is safe for concurrent use, so all readers share it.
	src, err := os.Open(opts.File)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open '%s'", opts.File)
	}

	info, err := src.Stat()
	if err != nil {
		src.Close()
		return nil, errors.Wrapf(err, "unable to stat '%s'", opts.File)
	}

	if err := idx.BindSource(info.Size(), info.ModTime()); err != nil {
		src.Close()
		return nil, errors.Wrapf(err, "unable to use index for '%s'", opts.File)
	}

	s := &Server{
		opts:    opts,
		src:     src,
		name:    strings.TrimSuffix(filepath.Base(opts.File), ".gz"),
		modTime: info.ModTime(),
		idx:     idx,
		log:     logrus.WithField("pkg", "serve"),
	}

	s.router = s.newRouter()

	return s, nil
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(accessLogMiddleware(s.log))
	r.Use(panicCatchMiddleware(s.log))

	r.HandleFunc("/content", s.handleContent).Methods("GET", "HEAD")
	r.HandleFunc("/lines", s.handleLines).Methods("GET")
	r.HandleFunc("/index", s.handleIndex).Methods("GET")
	r.HandleFunc("/index/points", s.handlePoints).Methods("GET")
	r.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// Handler returns the HTTP handler serving the file.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Index returns the index shared by all requests.
func (s *Server) Index() *zran.Index {
	return s.idx
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down,
// waiting up to shutdownTimeout for in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	llog := s.log.WithFields(logrus.Fields{
		"method": "ListenAndServe",
		"addr":   addr,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		llog.Infof("serving '%s'", s.opts.File)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server exited")
	case <-ctx.Done():
		llog.Debug("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "unable to shut down server")
	}

	return nil
}

// Close releases the shared file.
func (s *Server) Close() error {
	return s.src.Close()
}

// open returns a Reader for one request.
func (s *Server) open() (*zran.Reader, error) {
	return zran.Open(zran.Options{
		Handle:         s.src,
		Index:          s.idx,
		ReadAllBufSize: s.opts.ReadAllBufSize,
		Logger:         s.log.WithField("pkg", "zran"),
	})
}
