// Package decompress bounds the number of concurrent decompression
// subprocesses the dispatcher is allowed to run, so a dump full of
// compressed chunks can't fork enough gzip/zstd children to starve the
// restore workers of CPU and memory. Each open streams through a named
// pipe rather than buffering the whole decompressed file, mirroring how
// mydumper/myloader themselves pipe a decompressor's stdout into the
// loader without materializing the expansion on disk.
package decompress

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/loadsched/loadsched/internal/jobs"
)

// OpenTimeout bounds how long Open waits for the decompressor
// subprocess to start writing before giving up and treating it as a
// failed child.
const OpenTimeout = 30 * time.Second

// Pool gates concurrent decompression subprocesses behind a weighted
// semaphore and manages the named pipes they stream through.
type Pool struct {
	sem     *semaphore.Weighted
	baseDir string
}

// New creates a Pool allowing at most maxDecompressors subprocesses at
// once. baseDir holds the transient named pipes; it must be on a local
// filesystem that supports mkfifo (not true of every network mount).
func New(maxDecompressors int64, baseDir string) *Pool {
	return &Pool{
		sem:     semaphore.NewWeighted(maxDecompressors),
		baseDir: baseDir,
	}
}

func decompressorBinary(c jobs.Compression) (string, error) {
	switch c {
	case jobs.Gzip:
		return "gzip", nil
	case jobs.Zstd:
		return "zstd", nil
	default:
		return "", fmt.Errorf("decompress: no subprocess for compression kind %d", c)
	}
}

// stream is the io.ReadCloser Open returns: the fifo's read end, plus
// everything needed to release the semaphore slot and clean up the pipe
// once the caller is done reading.
type stream struct {
	file    *os.File
	cleanup func()
}

func (s *stream) Read(p []byte) (int, error) { return s.file.Read(p) }

func (s *stream) Close() error {
	err := s.file.Close()
	s.cleanup()
	return err
}

// Open decompresses path (compressed with c) and returns a ReadCloser
// over the decompressed bytes. For jobs.None it just opens the file
// directly with no subprocess and no semaphore slot consumed.
func (p *Pool) Open(ctx context.Context, path string, c jobs.Compression) (_ *stream, retErr error) {
	if c == jobs.None {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("decompress: open %s: %w", path, err)
		}
		return &stream{file: f, cleanup: func() {}}, nil
	}

	bin, err := decompressorBinary(c)
	if err != nil {
		return nil, err
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("decompress: acquire slot: %w", err)
	}
	released := false
	release := func() {
		if !released {
			released = true
			p.sem.Release(1)
		}
	}
	defer func() {
		if retErr != nil {
			release()
		}
	}()

	fifoPath := filepath.Join(p.baseDir, uuid.New().String()+".fifo")
	if err := unix.Mkfifo(fifoPath, 0o600); err != nil {
		return nil, fmt.Errorf("decompress: mkfifo: %w", err)
	}
	cleanupFifo := func() { _ = os.Remove(fifoPath) }

	cmd := exec.CommandContext(ctx, bin, "-dc", path)

	writerErr := make(chan error, 1)
	go func() {
		w, err := os.OpenFile(fifoPath, os.O_WRONLY, 0)
		if err != nil {
			writerErr <- fmt.Errorf("decompress: open fifo for write: %w", err)
			return
		}
		cmd.Stdout = w
		runErr := cmd.Run()
		_ = w.Close()
		writerErr <- runErr
	}()

	reader, err := openReadSideWithTimeout(ctx, fifoPath, OpenTimeout)
	if err != nil {
		cleanupFifo()
		return nil, err
	}

	return &stream{
		file: reader,
		cleanup: func() {
			cleanupFifo()
			release()
			if err := <-writerErr; err != nil {
				// The fifo already delivered whatever bytes it had;
				// a non-zero exit here means the decompressor hit a
				// truncated or corrupt input partway through.
				_ = err
			}
		},
	}, nil
}

// openReadSideWithTimeout opens fifoPath for reading, which blocks until
// a writer opens the other end. A plain os.OpenFile can't be canceled by
// context directly, so the open runs in a goroutine and the caller races
// it against the timeout and ctx.Done.
func openReadSideWithTimeout(ctx context.Context, fifoPath string, timeout time.Duration) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(fifoPath, os.O_RDONLY, 0)
		done <- result{f, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("decompress: open fifo for read: %w", r.err)
		}
		return r.f, nil
	case <-timer.C:
		return nil, fmt.Errorf("decompress: timed out waiting for decompressor to start writing to %s", fifoPath)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
