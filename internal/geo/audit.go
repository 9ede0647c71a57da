package geo

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	UnknownLogFile = "unknown_ips.csv"

	// AuditTimeLayout is the timestamp format of the unknown-IP log
	AuditTimeLayout = "2006-01-02 15:04:05"
)

var auditHeader = []string{"Timestamp", "IP Address"}

// UnknownLog is the audit trail of addresses no backend could place
type UnknownLog struct {
	path string
	now  func() time.Time
}

// NewUnknownLog creates the log file's directory
func NewUnknownLog(path string, now func() time.Time) (*UnknownLog, error) {
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create unknown-IP log directory: %w", err)
	}
	return &UnknownLog{path: path, now: now}, nil
}

// Path returns the log file
func (l *UnknownLog) Path() string {
	return l.path
}

// Append records one unresolved address
func (l *UnknownLog) Append(ip string) error {
	stat, err := os.Stat(l.path)
	writeHeader := err != nil || stat.Size() == 0

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open unknown-IP log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		w.Write(auditHeader)
	}
	w.Write([]string{l.now().Format(AuditTimeLayout), ip})
	w.Flush()
	return w.Error()
}

// Entries returns the logged addresses in file order
func (l *UnknownLog) Entries() ([]string, error) {
	var ips []string
	err := readCSV(l.path, func(row map[string]string) error {
		ips = append(ips, row["IP Address"])
		return nil
	})
	return ips, err
}

// Prune rewrites the log keeping only rows for which stillUnknown is true.
// The rewrite is atomic. It returns the number of rows removed.
func (l *UnknownLog) Prune(stillUnknown func(ip string) bool) (int, error) {
	var keep [][]string
	removed := 0
	err := readCSV(l.path, func(row map[string]string) error {
		if stillUnknown(row["IP Address"]) {
			keep = append(keep, []string{row["Timestamp"], row["IP Address"]})
		} else {
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read unknown-IP log: %w", err)
	}
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		return 0, nil
	}
	if err := writeCSVAtomic(l.path, auditHeader, keep); err != nil {
		return 0, err
	}
	return removed, nil
}
