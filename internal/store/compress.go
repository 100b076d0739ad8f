package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// payloadWriter streams dump output to disk, optionally through zstd,
// and fsyncs on Close so the payload is durable before the sidecar is
// written.
type payloadWriter struct {
	file *os.File
	enc  *zstd.Encoder
}

func (w *payloadWriter) Write(p []byte) (int, error) {
	if w.enc != nil {
		return w.enc.Write(p)
	}
	return w.file.Write(p)
}

func (w *payloadWriter) Close() error {
	if w.enc != nil {
		if err := w.enc.Close(); err != nil {
			w.file.Close()
			return fmt.Errorf("flush zstd stream: %w", err)
		}
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync payload: %w", err)
	}
	return w.file.Close()
}

// CreatePayload opens a payload file for streaming. The returned path is
// final; callers remove it on failure.
func (s *Store) CreatePayload(name string) (io.WriteCloser, string, error) {
	ext := payloadExt
	if s.compress {
		ext = compressedExt
	}
	path := filepath.Join(s.dir, name+ext)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("create payload %q: %w", path, err)
	}
	w := &payloadWriter{file: file}
	if s.compress {
		enc, err := zstd.NewWriter(file)
		if err != nil {
			file.Close()
			os.Remove(path)
			return nil, "", fmt.Errorf("zstd writer: %w", err)
		}
		w.enc = enc
	}
	return w, path, nil
}

// payloadReader undoes payloadWriter: transparent zstd when the payload
// carries the compressed extension.
type payloadReader struct {
	file *os.File
	dec  *zstd.Decoder
}

func (r *payloadReader) Read(p []byte) (int, error) {
	if r.dec != nil {
		return r.dec.Read(p)
	}
	return r.file.Read(p)
}

func (r *payloadReader) Close() error {
	if r.dec != nil {
		r.dec.Close()
	}
	return r.file.Close()
}

// OpenPayload opens an artifact payload for reading plain SQL,
// decompressing on the fly when needed.
func (s *Store) OpenPayload(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open payload %q: %w", path, err)
	}
	if !strings.HasSuffix(path, compressedExt) {
		return &payloadReader{file: file}, nil
	}
	dec, err := zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("zstd reader %q: %w", path, err)
	}
	return &payloadReader{file: file, dec: dec}, nil
}
