package detector

import (
	"fmt"
	"regexp"
)

// Pattern reports readiness when an output line matches its expression.
type Pattern struct {
	re *regexp.Regexp
}

// NewPattern compiles expr. An invalid expression is a configuration error.
func NewPattern(expr string) (*Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("ready pattern %q: %w", expr, err)
	}
	return &Pattern{re: re}, nil
}

// MustPattern is NewPattern for expressions known at compile time.
func MustPattern(expr string) *Pattern {
	p, err := NewPattern(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Pattern) Line(line string) bool { return p.re.MatchString(line) }
func (p *Pattern) Poll() (bool, error)   { return false, nil }
func (p *Pattern) Describe() string      { return "pattern:" + p.re.String() }
