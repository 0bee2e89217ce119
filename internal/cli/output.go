package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cobra"
)

type output struct {
	json *bool
}

func (o *output) asJSON() bool {
	return o != nil && o.json != nil && *o.json
}

// write renders v as indented JSON, or calls table when JSON is off.
func (o *output) write(cmd *cobra.Command, v any, table func(w io.Writer) error) error {
	w := cmd.OutOrStdout()
	if o.asJSON() {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := table(tw); err != nil {
		return err
	}
	return tw.Flush()
}

func row(w io.Writer, cols ...any) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		switch v := c.(type) {
		case time.Time:
			parts[i] = formatTime(v)
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	fmt.Fprintln(w, strings.Join(parts, "\t"))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func parseUserID(raw string) (snowflake.ID, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, fmt.Errorf("--user is required")
	}
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q: %w", raw, err)
	}
	return id, nil
}

func parseID(name, raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return id, nil
}

// parseInstant accepts RFC3339 timestamps and a bare date. Empty means now.
func parseInstant(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid instant %q: want RFC3339 or YYYY-MM-DD", raw)
	}
	return t.UTC(), nil
}

func toMetadata(kv map[string]string) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	out := make(map[string]any, len(kv))
	for k, v := range kv {
		out[k] = v
	}
	return out
}
