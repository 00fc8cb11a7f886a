package detector

import (
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"
)

// Resetter is implemented by detectors that keep per-run state. The
// supervisor calls Reset with the launch time before each spawn.
type Resetter interface {
	Reset(startedAt time.Time)
}

// ReadyFile reports readiness once the file at Path exists and was modified
// at or after the last Reset, so a file left by a previous run is ignored.
type ReadyFile struct {
	Path string

	mu        sync.Mutex
	notBefore time.Time
}

func NewReadyFile(path string) *ReadyFile { return &ReadyFile{Path: path} }

func (d *ReadyFile) Reset(startedAt time.Time) {
	d.mu.Lock()
	d.notBefore = startedAt
	d.mu.Unlock()
}

func (d *ReadyFile) Line(string) bool { return false }

func (d *ReadyFile) Poll() (bool, error) {
	fi, err := os.Stat(d.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	d.mu.Lock()
	nb := d.notBefore
	d.mu.Unlock()
	// mtime resolution is coarse on some filesystems
	return !fi.ModTime().Before(nb.Truncate(time.Second)), nil
}

func (d *ReadyFile) Describe() string { return "file:" + d.Path }
