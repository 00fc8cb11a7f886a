package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// PullStatus is the coarse phase of a model pull.
type PullStatus string

const (
	PullingManifest      PullStatus = "pulling_manifest"
	Downloading          PullStatus = "downloading"
	VerifyingDigest      PullStatus = "verifying_digest"
	WritingManifest      PullStatus = "writing_manifest"
	RemovingUnusedLayers PullStatus = "removing_unused_layers"
	Success              PullStatus = "success"
)

// PullEvent is one progress line of a pull.
type PullEvent struct {
	Status    PullStatus `json:"status"`
	Message   string     `json:"message"`
	Digest    string     `json:"digest,omitempty"`
	Total     int64      `json:"total,omitempty"`
	Completed int64      `json:"completed,omitempty"`
}

// Percent returns download progress in [0,100] for Downloading events and 0
// otherwise.
func (e PullEvent) Percent() float64 {
	if e.Status != Downloading || e.Total <= 0 {
		return 0
	}
	p := float64(e.Completed) / float64(e.Total) * 100
	return min(max(p, 0), 100)
}

type pullLine struct {
	Status    string `json:"status"`
	Digest    string `json:"digest"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Error     string `json:"error"`
}

func classify(l pullLine) PullEvent {
	ev := PullEvent{Message: l.Status}
	s := l.Status
	switch {
	case strings.Contains(s, "pulling manifest"):
		ev.Status = PullingManifest
	case strings.Contains(s, "pulling"):
		ev.Status = Downloading
		ev.Digest = l.Digest
		ev.Total = l.Total
		ev.Completed = l.Completed
	case strings.Contains(s, "verifying sha256 digest"):
		ev.Status = VerifyingDigest
	case strings.Contains(s, "writing manifest"):
		ev.Status = WritingManifest
	case strings.Contains(s, "removing any unused layers"):
		ev.Status = RemovingUnusedLayers
	case strings.Contains(s, "success"):
		ev.Status = Success
	default:
		ev.Status = PullingManifest
	}
	return ev
}

// PullStream iterates the progress of one pull. It is single-use:
//
//	for s.Next() { ev := s.Event() }
//	if err := s.Err(); err != nil { ... }
type PullStream struct {
	model  string
	body   io.ReadCloser
	sc     *bufio.Scanner
	cancel context.CancelFunc
	cur    PullEvent
	last   PullStatus
	err    error
	done   bool
}

// PullModelStream starts pulling name. The stream must be closed.
func (c *Client) PullModelStream(ctx context.Context, name string) (*PullStream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pullTO)
	resp, err := c.postJSON(ctx, "/api/pull", map[string]any{"model": name, "stream": true})
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer drain(resp)
		return nil, apiError("pull", resp)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 16<<10), 1<<20)
	c.log.Info("pulling model", "model", name)
	return &PullStream{model: name, body: resp.Body, sc: sc, cancel: cancel}, nil
}

// Next advances to the next event. It returns false at the end of the stream
// or on error.
func (s *PullStream) Next() bool {
	if s.done {
		return false
	}
	for s.sc.Scan() {
		raw := strings.TrimSpace(s.sc.Text())
		if raw == "" {
			continue
		}
		var l pullLine
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return s.fail(fmt.Errorf("%w: %s: unparseable progress line %q: %v", ErrPullFailed, s.model, raw, err))
		}
		if l.Error != "" {
			return s.fail(fmt.Errorf("%w: %s: %s", ErrPullFailed, s.model, l.Error))
		}
		s.cur = classify(l)
		s.last = s.cur.Status
		if s.cur.Status == Success {
			// deliver success, then end
			s.done = true
			s.close()
		}
		return true
	}
	if err := s.sc.Err(); err != nil {
		return s.fail(fmt.Errorf("%w: %s: read stream: %v", ErrPullFailed, s.model, err))
	}
	if s.last != Success {
		return s.fail(fmt.Errorf("%w: %s: stream ended before success", ErrPullFailed, s.model))
	}
	s.done = true
	s.close()
	return false
}

func (s *PullStream) fail(err error) bool {
	s.err = err
	s.done = true
	s.close()
	return false
}

func (s *PullStream) Event() PullEvent { return s.cur }

func (s *PullStream) Err() error { return s.err }

func (s *PullStream) Close() error {
	s.done = true
	return s.close()
}

func (s *PullStream) close() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	s.cancel()
	return err
}

// PullModel pulls name to completion, calling progress for every event.
func (c *Client) PullModel(ctx context.Context, name string, progress func(PullEvent)) error {
	s, err := c.PullModelStream(ctx, name)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	for s.Next() {
		if progress != nil {
			progress(s.Event())
		}
	}
	return s.Err()
}
