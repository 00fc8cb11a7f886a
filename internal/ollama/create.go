package ollama

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
)

// DefaultMinVersion is the first backend release whose /api/create accepts
// a files map referencing uploaded blobs.
const DefaultMinVersion = "0.5.5"

var ggufMagic = []byte("GGUF")

// CreateStep names a phase of CreateModelFromLocalFile.
type CreateStep string

const (
	StepValidate CreateStep = "validate"
	StepVersion  CreateStep = "version"
	StepDigest   CreateStep = "digest"
	StepUpload   CreateStep = "upload"
	StepVerify   CreateStep = "verify"
	StepCreate   CreateStep = "create"
	StepDone     CreateStep = "done"
)

// CreateProgress reports the current step. Percent covers the whole
// operation and only grows.
type CreateProgress struct {
	Step    CreateStep `json:"step"`
	Status  string     `json:"status,omitempty"`
	Percent float64    `json:"percent"`
}

type createOptions struct {
	progress func(CreateProgress)
}

type CreateOption func(*createOptions)

// WithCreateProgress registers a callback invoked as the operation advances.
func WithCreateProgress(fn func(CreateProgress)) CreateOption {
	return func(o *createOptions) { o.progress = fn }
}

// step weights: validate+version 5, digest 15, upload 60, verify 5, create 15
func (o *createOptions) report(step CreateStep, status string, pct float64) {
	if o.progress != nil {
		o.progress(CreateProgress{Step: step, Status: status, Percent: pct})
	}
}

// CreateModelFromLocalFile registers the GGUF file at path as model name:
// the file is checked, uploaded as a content-addressed blob, confirmed
// present, and referenced from a create request. Nothing is retried.
func (c *Client) CreateModelFromLocalFile(ctx context.Context, name, path string, opts ...CreateOption) error {
	o := &createOptions{}
	for _, fn := range opts {
		fn(o)
	}
	log := c.log.With("model", name, "file", path)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open model file: %w", err)
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat model file: %w", err)
	}

	o.report(StepValidate, "checking file header", 0)
	if err := checkMagic(f); err != nil {
		return err
	}

	o.report(StepVersion, "checking backend version", 2)
	if err := c.checkVersion(ctx); err != nil {
		return err
	}

	o.report(StepDigest, "computing digest", 5)
	digest, err := fileDigest(f, fi.Size(), func(done int64) {
		o.report(StepDigest, "computing digest", 5+15*fraction(done, fi.Size()))
	})
	if err != nil {
		return err
	}
	log.Info("uploading model blob", "digest", digest, "size", fi.Size())

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind model file: %w", err)
	}
	o.report(StepUpload, "uploading blob", 20)
	if err := c.uploadBlob(ctx, digest, f, fi.Size(), func(done int64) {
		o.report(StepUpload, "uploading blob", 20+60*fraction(done, fi.Size()))
	}); err != nil {
		return err
	}

	o.report(StepVerify, "verifying blob", 80)
	if err := c.BlobExists(ctx, digest); err != nil {
		return err
	}

	o.report(StepCreate, "creating model", 85)
	if err := c.createFromBlob(ctx, name, filepath.Base(path), digest, func(status string) {
		o.report(StepCreate, status, 90)
	}); err != nil {
		return err
	}
	o.report(StepDone, "success", 100)
	log.Info("model created", "digest", digest)
	return nil
}

func checkMagic(r io.ReadSeeker) error {
	head := make([]byte, len(ggufMagic))
	if _, err := io.ReadFull(r, head); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if !bytes.Equal(head, ggufMagic) {
		return fmt.Errorf("%w: header %q", ErrBadMagic, head)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind model file: %w", err)
	}
	return nil
}

func (c *Client) checkVersion(ctx context.Context) error {
	v, err := c.Version(ctx)
	if err != nil {
		return err
	}
	if !VersionAtLeast(v, c.minVersion) {
		return fmt.Errorf("%w: have %q, need >= %s", ErrVersionTooOld, v, c.minVersion)
	}
	return nil
}

// VersionAtLeast compares two dotted versions with or without a "v" prefix.
// An unparseable version never satisfies the gate.
func VersionAtLeast(have, want string) bool {
	h, w := canonical(have), canonical(want)
	if !semver.IsValid(h) || !semver.IsValid(w) {
		return false
	}
	return semver.Compare(h, w) >= 0
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// Digest returns the blob digest of b in "sha256:<hex>" form.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func fileDigest(r io.Reader, size int64, progress func(int64)) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, &countingReader{r: r, total: size, report: progress}); err != nil {
		return "", fmt.Errorf("hash model file: %w", err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func (c *Client) uploadBlob(ctx context.Context, digest string, r io.Reader, size int64, progress func(int64)) error {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTO)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/blobs/"+digest,
		&countingReader{r: r, total: size, report: progress})
	if err != nil {
		return fmt.Errorf("ollama: build request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ollama upload blob: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return apiError("upload blob", resp)
	}
	return nil
}

// BlobExists confirms with HEAD /api/blobs/{digest} that the backend holds
// the blob.
func (c *Client) BlobExists(ctx context.Context, digest string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodHead, "/api/blobs/"+digest, nil, "")
	if err != nil {
		return err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrBlobMissing, digest)
	default:
		return apiError("verify blob", resp)
	}
}

type createRequest struct {
	Model  string            `json:"model"`
	Files  map[string]string `json:"files"`
	Stream bool              `json:"stream"`
}

type statusLine struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (c *Client) createFromBlob(ctx context.Context, name, file, digest string, status func(string)) error {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTO)
	defer cancel()
	resp, err := c.postJSON(ctx, "/api/create", createRequest{
		Model:  name,
		Files:  map[string]string{file: digest},
		Stream: true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apiError("create", resp)
	}

	var body strings.Builder
	last := ""
	sc := bufio.NewScanner(io.TeeReader(io.LimitReader(resp.Body, 16<<20), &limitedWriter{b: &body, n: maxErrorBody}))
	sc.Buffer(make([]byte, 0, 16<<10), 1<<20)
	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var l statusLine
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			continue
		}
		if l.Error != "" {
			last = "error: " + l.Error
			continue
		}
		if l.Status != "" {
			last = l.Status
			status(l.Status)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("ollama create: read stream: %w", err)
	}
	if last != "success" {
		return &APIError{
			Op:         "create",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(body.String()),
			Err:        fmt.Errorf("%w: last status %q", ErrCreateFailed, last),
		}
	}
	return nil
}

type countingReader struct {
	r      io.Reader
	total  int64
	done   int64
	next   int64
	report func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.done += int64(n)
	if c.report != nil && (c.done >= c.next || err == io.EOF) {
		c.report(c.done)
		// report roughly every 1%
		step := c.total / 100
		if step < 1<<20 {
			step = 1 << 20
		}
		c.next = c.done + step
	}
	return n, err
}

type limitedWriter struct {
	b *strings.Builder
	n int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.n - w.b.Len(); room > 0 {
		if len(p) > room {
			w.b.Write(p[:room])
		} else {
			w.b.Write(p)
		}
	}
	return len(p), nil
}

func fraction(done, total int64) float64 {
	if total <= 0 {
		return 1
	}
	f := float64(done) / float64(total)
	return min(max(f, 0), 1)
}
