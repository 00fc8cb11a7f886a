// Package detector decides when a supervised process has finished starting.
package detector

import "time"

// Detector is a readiness strategy. Line is fed every output line of the
// process in order; Poll is called periodically while the supervisor waits.
// Either returning true marks the process ready. Implementations must be safe
// for concurrent use.
type Detector interface {
	Line(line string) bool
	Poll() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Never is a Detector that never reports readiness; the supervisor then relies
// on the process surviving its minimum alive window.
type Never struct{}

func (Never) Line(string) bool    { return false }
func (Never) Poll() (bool, error) { return false, nil }
func (Never) Describe() string    { return "none" }

// Any is ready as soon as one of its detectors is.
type Any []Detector

func (a Any) Line(line string) bool {
	ready := false
	for _, d := range a {
		if d.Line(line) {
			ready = true
		}
	}
	return ready
}

func (a Any) Poll() (bool, error) {
	var firstErr error
	for _, d := range a {
		ok, err := d.Poll()
		if ok {
			return true, nil
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return false, firstErr
}

func (a Any) Describe() string {
	s := "any("
	for i, d := range a {
		if i > 0 {
			s += ","
		}
		s += d.Describe()
	}
	return s + ")"
}

func (a Any) Reset(startedAt time.Time) {
	for _, d := range a {
		if r, ok := d.(Resetter); ok {
			r.Reset(startedAt)
		}
	}
}
