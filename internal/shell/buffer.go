package shell

import (
	"fmt"
	"os"
	"path/filepath"
)

// outputBuffer retains the tail of a command's sanitized output in
// memory and spills the complete stream to a file once it grows past a
// threshold. The spill file is created lazily so short commands never
// touch the disk, and because the threshold never exceeds the tail
// capacity the file starts with every byte seen so far.
type outputBuffer struct {
	max       int    // bytes retained in memory
	threshold int    // total size that triggers the spill file
	dir       string // spill directory, empty disables spilling
	name      string // spill file name stem

	tail      []byte
	total     int
	spill     *os.File
	spillPath string
	spillErr  error
}

func newOutputBuffer(maxBytes, threshold int, dir, name string) *outputBuffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	if threshold <= 0 || threshold > maxBytes {
		threshold = maxBytes
	}
	return &outputBuffer{max: maxBytes, threshold: threshold, dir: dir, name: name}
}

// Write appends p to the buffer. It never fails; spill errors are
// recorded and spilling is abandoned while the in-memory tail keeps
// working.
func (b *outputBuffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	b.total += len(p)

	if b.spill == nil && b.spillErr == nil && b.dir != "" && b.total > b.threshold {
		b.openSpill()
	}
	if b.spill != nil {
		if _, err := b.spill.Write(p); err != nil {
			b.failSpill(err)
		}
	}

	b.tail = append(b.tail, p...)
	if len(b.tail) > b.max {
		trimmed := make([]byte, b.max)
		copy(trimmed, b.tail[len(b.tail)-b.max:])
		b.tail = trimmed
	}
}

// openSpill creates the spill file and seeds it with the bytes received
// so far. The tail holds all of them because the threshold is capped at
// the tail size.
func (b *outputBuffer) openSpill() {
	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		b.spillErr = err
		return
	}
	path := filepath.Join(b.dir, b.name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		b.spillErr = err
		return
	}
	if _, err := f.Write(b.tail); err != nil {
		f.Close()
		os.Remove(path)
		b.spillErr = err
		return
	}
	b.spill = f
	b.spillPath = path
}

func (b *outputBuffer) failSpill(err error) {
	b.spillErr = fmt.Errorf("write spill file: %w", err)
	b.spill.Close()
	os.Remove(b.spillPath)
	b.spill = nil
	b.spillPath = ""
}

// Result closes the spill file and reports the retained output. The
// output is truncated when bytes were dropped from the in-memory tail;
// fullPath then points at the complete stream if a spill file exists.
func (b *outputBuffer) Result() (output string, truncated bool, fullPath string) {
	if b.spill != nil {
		if err := b.spill.Close(); err != nil {
			b.spill = nil
			b.failSpillClosed(err)
		} else {
			b.spill = nil
		}
	}
	return string(b.tail), b.total > len(b.tail), b.spillPath
}

func (b *outputBuffer) failSpillClosed(err error) {
	b.spillErr = fmt.Errorf("close spill file: %w", err)
	os.Remove(b.spillPath)
	b.spillPath = ""
}

// Total reports how many bytes have been written in all.
func (b *outputBuffer) Total() int { return b.total }
