package stats

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

// TimeLayout is used for the start and end columns
const TimeLayout = "2006-01-02 15:04:05"

// Header is the first row of the stats file
var Header = []string{
	"Start Time", "End Time", "IP Address", "Port", "Count",
	"Min", "Max", "Median", "Mean", "75th", "90th",
}

// CSVLog appends one row per closed session to a CSV file with a header
type CSVLog struct {
	path string
}

// NewCSVLog creates the file (with header) if it does not exist yet
func NewCSVLog(path string) (*CSVLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create stats directory: %w", err)
	}
	l := &CSVLog{path: path}
	if err := l.ensureHeader(); err != nil {
		return nil, err
	}
	return l, nil
}

// Name implements Recorder
func (l *CSVLog) Name() string {
	return "csv"
}

// Path returns the file being written
func (l *CSVLog) Path() string {
	return l.path
}

// Record implements Recorder
func (l *CSVLog) Record(_ context.Context, s types.SessionStats) error {
	if err := l.ensureHeader(); err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open stats file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(Row(s)); err != nil {
		return fmt.Errorf("failed to write stats row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush stats row: %w", err)
	}
	return nil
}

// ensureHeader writes the header to a missing or empty file
func (l *CSVLog) ensureHeader() error {
	stat, err := os.Stat(l.path)
	if err == nil && stat.Size() > 0 {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat stats file: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create stats file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write(Header)
	w.Flush()
	return w.Error()
}

// Row renders a session as CSV fields. Undefined percentiles are empty.
func Row(s types.SessionStats) []string {
	return []string{
		s.Start.Format(TimeLayout),
		s.End.Format(TimeLayout),
		s.Connection.Address,
		s.Connection.Port,
		strconv.Itoa(s.Count),
		strconv.Itoa(s.Min),
		strconv.Itoa(s.Max),
		formatFloat(s.Median),
		formatFloat(s.Mean),
		formatOptional(s.P75),
		formatOptional(s.P90),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
