package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// printRaw pretty-prints the data field of a response for --json.
func printRaw(w io.Writer, resp *apiResponse) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, resp.Data, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// decode unmarshals the data field, or prints it raw and returns false when --json is set.
func decode(w io.Writer, resp *apiResponse, v any) (bool, error) {
	if flagJSON {
		return false, printRaw(w, resp)
	}
	if err := json.Unmarshal(resp.Data, v); err != nil {
		return false, fmt.Errorf("parse response: %w", err)
	}
	return true, nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
