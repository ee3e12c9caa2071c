package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dselans/gzseek/checkpoint"
	"github.com/dselans/gzseek/config"
	"github.com/dselans/gzseek/scan"
	"github.com/dselans/gzseek/serve"
	"github.com/dselans/gzseek/zran"
)

// loadIndex returns the saved index at explicit, or at the default side-car
// path of file if one exists, or nil.
func loadIndex(cfg *config.Config, file, explicit string) (*zran.Index, error) {
	path := explicit
	if path == "" {
		path = cfg.IndexFile(file)
		if _, err := os.Stat(path); err != nil {
			return nil, nil
		}
	}

	idx, err := checkpoint.ReadIndex(path)
	if err != nil {
		return nil, err
	}

	logrus.Debugf("using saved index '%s'", path)

	return idx, nil
}

func openReader(cfg *config.Config, file, indexFile string) (*zran.Reader, error) {
	idx, err := loadIndex(cfg, file, indexFile)
	if err != nil {
		return nil, err
	}

	r, err := zran.Open(zran.Options{
		Path:           file,
		Index:          idx,
		IndexSpacing:   cfg.TOML.Index.Spacing,
		ReadAllBufSize: cfg.TOML.Index.ReadAllBufSize,
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to open reader")
	}

	return r, nil
}

func runIndex(cfg *config.Config) error {
	c := cfg.CLI.Index

	output := c.Output
	if output == "" {
		output = cfg.IndexFile(c.File)
	}

	r, err := zran.Open(zran.Options{
		Path:         c.File,
		IndexSpacing: cfg.TOML.Index.Spacing,
	})
	if err != nil {
		return errors.Wrap(err, "unable to open reader")
	}
	defer r.Close()

	start := time.Now()

	size, err := r.Size()
	if err != nil {
		return errors.Wrap(err, "unable to index file")
	}

	idx := r.Index()

	if err := idx.SaveFile(output); err != nil {
		return errors.Wrap(err, "unable to save index")
	}

	logrus.Infof("indexed '%s': '%d' bytes, '%d' members, '%d' access points in %s",
		c.File, size, len(idx.Members()), len(idx.Points()), time.Since(start))
	logrus.Infof("index written to '%s'", output)

	return nil
}

func runExtract(cfg *config.Config, out io.Writer) error {
	c := cfg.CLI.Extract

	r, err := openReader(cfg, c.File, c.Index)
	if err != nil {
		return err
	}
	defer r.Close()

	if _, err := r.Seek(c.Offset, io.SeekStart); err != nil {
		return errors.Wrapf(err, "unable to seek to offset '%d'", c.Offset)
	}

	w := bufio.NewWriter(out)
	defer w.Flush()

	if c.Length < 0 {
		_, err = r.WriteTo(w)
	} else {
		_, err = io.CopyN(w, r, c.Length)
		if err == io.EOF {
			err = nil
		}
	}
	if err != nil {
		return errors.Wrap(err, "unable to extract data")
	}

	return w.Flush()
}

func runLines(cfg *config.Config, out io.Writer) error {
	c := cfg.CLI.Lines

	r, err := openReader(cfg, c.File, c.Index)
	if err != nil {
		return err
	}
	defer r.Close()

	pos, err := r.Seek(c.Offset, io.SeekStart)
	if err != nil {
		return errors.Wrapf(err, "unable to seek to offset '%d'", c.Offset)
	}

	w := bufio.NewWriter(out)
	defer w.Flush()

	it := r.Lines()
	for n := 0; c.Count < 0 || n < c.Count; n++ {
		if !it.Next() {
			break
		}

		line := it.Line()
		fmt.Fprintf(w, "%d\t%s", pos, line)
		if line[len(line)-1] != '\n' {
			w.WriteByte('\n')
		}

		pos += int64(len(line))
	}

	if err := it.Err(); err != nil {
		return errors.Wrap(err, "unable to read lines")
	}

	return w.Flush()
}

func runScan(ctx context.Context, cfg *config.Config, out io.Writer) error {
	s, err := scan.New(cfg, out)
	if err != nil {
		return errors.Wrap(err, "unable to create scanner")
	}

	if err := s.Run(ctx); err != nil {
		return errors.Wrap(err, "error during scan")
	}

	cp := s.Checkpoint()
	logrus.Infof("scanned '%d' lines, '%d' matches, offset '%d'", cp.Lines, cp.Matches, cp.Offset)

	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	c := cfg.CLI.Serve

	idx, err := loadIndex(cfg, c.File, c.Index)
	if err != nil {
		return err
	}

	s, err := serve.New(serve.Options{
		File:           c.File,
		Index:          idx,
		IndexSpacing:   cfg.TOML.Index.Spacing,
		ReadAllBufSize: cfg.TOML.Index.ReadAllBufSize,
	})
	if err != nil {
		return errors.Wrap(err, "unable to create server")
	}
	defer s.Close()

	addr := c.Listen
	if addr == "" {
		addr = cfg.TOML.Serve.ListenAddress
	}

	return s.ListenAndServe(ctx, addr, time.Duration(cfg.TOML.Serve.ShutdownTimeout))
}
