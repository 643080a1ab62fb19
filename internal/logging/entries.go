package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Entry is one decoded JSON log line.
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	SessionID string         `json:"session_id,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Int returns the named attribute as an int. JSON numbers decode as
// float64, so both representations are accepted.
func (e Entry) Int(key string) (int, bool) {
	switch v := e.Attrs[key].(type) {
	case float64:
		return int(v), true
	case int64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

// Filter selects entries. Zero-valued fields match everything; set fields
// are combined with AND.
type Filter struct {
	// Level keeps entries at or above this level.
	Level           string
	SessionID       string
	NodeID          string
	Phase           string
	MessageContains string
	Since           time.Time
}

var levelRank = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

var reservedKeys = map[string]bool{
	"time":       true,
	"level":      true,
	"msg":        true,
	"session_id": true,
	"node_id":    true,
	"phase":      true,
}

// ReadLogDir reads {dir}/reqtree.log and returns its entries in time order.
func ReadLogDir(dir string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(dir, LogFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no log file found in %s: %w", dir, err)
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	entries, err := ReadEntries(f)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})
	return entries, nil
}

// ReadEntries decodes JSON log lines from r in the order they appear.
// Lines that are not valid JSON are skipped.
func ReadEntries(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var entries []Entry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := parseEntry(line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log: %w", err)
	}
	return entries, nil
}

func parseEntry(line string) (Entry, error) {
	var raw map[string]any
	if err := sonic.UnmarshalString(line, &raw); err != nil {
		return Entry{}, fmt.Errorf("invalid JSON: %w", err)
	}

	entry := Entry{Attrs: make(map[string]any)}
	if s, ok := raw["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			entry.Time = t
		}
	}
	entry.Level, _ = raw["level"].(string)
	entry.Message, _ = raw["msg"].(string)
	entry.SessionID, _ = raw["session_id"].(string)
	entry.NodeID, _ = raw["node_id"].(string)
	entry.Phase, _ = raw["phase"].(string)

	for k, v := range raw {
		if !reservedKeys[k] {
			entry.Attrs[k] = v
		}
	}
	return entry, nil
}

// FilterEntries returns the entries matching f.
func FilterEntries(entries []Entry, f Filter) []Entry {
	var out []Entry
	for _, e := range entries {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (f Filter) matches(e Entry) bool {
	if f.Level != "" && levelRank[strings.ToUpper(e.Level)] < levelRank[ParseLevel(f.Level)] {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.NodeID != "" && e.NodeID != f.NodeID {
		return false
	}
	if f.Phase != "" && e.Phase != f.Phase {
		return false
	}
	if f.MessageContains != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(f.MessageContains)) {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	return true
}
