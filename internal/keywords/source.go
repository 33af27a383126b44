package keywords

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Opener produces a fresh reader over the raw keyword input. It is invoked
// once per pass, so a Source can be restarted by reopening the input.
type Opener func() (io.ReadCloser, error)

// Source yields keywords lazily from an input of one keyword per line.
// Lines are trimmed of surrounding whitespace; blank lines are skipped, and a
// keyword already yielded earlier in the same pass is skipped (exact,
// case-sensitive match). First-occurrence order is preserved.
type Source struct {
	open    Opener
	reader  io.ReadCloser
	scanner *bufio.Scanner
	seen    map[string]struct{}
}

// NewSource creates a Source over the given opener.
func NewSource(open Opener) *Source {
	return &Source{open: open}
}

// NewFileSource creates a Source reading from the given file. The file is
// stat'ed up front so an unreadable input surfaces at startup rather than
// mid-run.
func NewFileSource(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keyword file: %w", err)
	}
	_ = f.Close()

	return NewSource(func() (io.ReadCloser, error) {
		return os.Open(path)
	}), nil
}

// NewStaticSource creates a Source over an in-memory list of keywords, e.g.
// keywords passed directly on the command line.
func NewStaticSource(kws []string) *Source {
	joined := strings.Join(kws, "\n")
	return NewSource(func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(joined)), nil
	})
}

// Next returns the next keyword, or io.EOF when the sequence is exhausted.
func (s *Source) Next() (string, error) {
	if s.scanner == nil {
		r, err := s.open()
		if err != nil {
			return "", fmt.Errorf("open keyword input: %w", err)
		}
		s.reader = r
		s.scanner = bufio.NewScanner(r)
		s.seen = make(map[string]struct{})
	}

	for s.scanner.Scan() {
		kw := strings.TrimSpace(s.scanner.Text())
		if kw == "" {
			continue
		}
		if _, dup := s.seen[kw]; dup {
			continue
		}
		s.seen[kw] = struct{}{}
		return kw, nil
	}

	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("read keyword input: %w", err)
	}
	return "", io.EOF
}

// Reset restarts the sequence from the beginning of the input. The next call
// to Next re-reads the original input from scratch.
func (s *Source) Reset() error {
	err := s.Close()
	s.scanner = nil
	s.seen = nil
	return err
}

// Close releases the underlying reader, if one is open.
func (s *Source) Close() error {
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}
