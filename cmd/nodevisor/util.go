package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loykin/nodevisor/internal/service"
	"github.com/loykin/nodevisor/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// parseOptionPairs turns key=value arguments into a partial options document.
// Unknown keys are rejected before anything is sent.
func parseOptionPairs(pairs []string) (client.Options, error) {
	var o service.Options
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return client.Options{}, fmt.Errorf("expected key=value, got %q", p)
		}
		if err := o.Set(strings.TrimSpace(k), v); err != nil {
			return client.Options{}, err
		}
	}
	b, err := json.Marshal(o)
	if err != nil {
		return client.Options{}, err
	}
	var out client.Options
	if err := json.Unmarshal(b, &out); err != nil {
		return client.Options{}, err
	}
	return out, nil
}

func formatEvent(e client.Event) string {
	var b strings.Builder
	b.WriteString(e.Time.Format(time.RFC3339))
	b.WriteString(" ")
	b.WriteString(e.Kind)
	if e.Model != "" {
		b.WriteString(" model=" + e.Model)
	}
	if e.Progress > 0 {
		fmt.Fprintf(&b, " progress=%.0f%%", e.Progress)
	}
	if e.Error != "" {
		b.WriteString(" error=" + e.Error)
	}
	return b.String()
}
