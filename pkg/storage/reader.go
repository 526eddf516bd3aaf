package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LogReader reads audit logs back
type LogReader struct {
	dataDir string
}

func NewLogReader(dataDir string) *LogReader {
	return &LogReader{
		dataDir: dataDir,
	}
}

// Read reads the records of one kind and venue for a day
func (lr *LogReader) Read(date time.Time, kind Kind, venueID string) ([]Record, error) {
	return lr.readJSONLFile(logPath(lr.dataDir, date, kind, venueID))
}

// ReadOrder collects every record of an order across venues for a day
func (lr *LogReader) ReadOrder(date time.Time, kind Kind, orderID string) ([]Record, error) {
	venues, err := lr.Venues(date, kind)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, v := range venues {
		recs, err := lr.Read(date, kind, v)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if r.OrderID == orderID {
				out = append(out, r)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// Trail is the audit history of one order for one day
type Trail struct {
	OrderID      string   `json:"order_id"`
	Date         string   `json:"date"`
	Translations []Record `json:"translations"`
	Failures     []Record `json:"failures"`
	Metrics      []Record `json:"metrics"`
}

// Trail collects the translation, failure and metric records of an order
func (lr *LogReader) Trail(date time.Time, orderID string) (Trail, error) {
	t := Trail{OrderID: orderID, Date: date.Format("2006-01-02")}
	for _, kind := range []struct {
		kind Kind
		into *[]Record
	}{
		{KindTranslations, &t.Translations},
		{KindFailures, &t.Failures},
		{KindMetrics, &t.Metrics},
	} {
		recs, err := lr.ReadOrder(date, kind.kind, orderID)
		if err != nil {
			return Trail{}, fmt.Errorf("read %s: %w", kind.kind, err)
		}
		if recs == nil {
			recs = []Record{}
		}
		*kind.into = recs
	}
	return t, nil
}

// ReadDateRange reads the logs of one kind and venue over a date range
func (lr *LogReader) ReadDateRange(startDate, endDate time.Time, kind Kind, venueID string) ([]Record, error) {
	var all []Record

	for date := startDate; !date.After(endDate); date = date.AddDate(0, 0, 1) {
		data, err := lr.Read(date, kind, venueID)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		all = append(all, data...)
	}

	return all, nil
}

// Dates returns the days for which logs of kind exist
func (lr *LogReader) Dates(kind Kind) ([]time.Time, error) {
	logsDir := filepath.Join(lr.dataDir, "logs")
	var dates []time.Time

	err := filepath.Walk(logsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(logsDir, path)
		if date, err := time.Parse("2006/01/02", filepath.ToSlash(rel)); err == nil {
			pattern := filepath.Join(path, fmt.Sprintf("%s_*.jsonl", kind))
			if matches, _ := filepath.Glob(pattern); len(matches) > 0 {
				dates = append(dates, date)
			}
		}
		return nil
	})

	return dates, err
}

// Venues returns the venues with logs of kind on a day
func (lr *LogReader) Venues(date time.Time, kind Kind) ([]string, error) {
	dir := filepath.Join(lr.dataDir, "logs", date.Format("2006/01/02"))
	matches, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("%s_*.jsonl", kind)))
	if err != nil {
		return nil, err
	}

	prefix := string(kind) + "_"
	var venues []string
	for _, match := range matches {
		base := filepath.Base(match)
		venues = append(venues, strings.TrimSuffix(strings.TrimPrefix(base, prefix), ".jsonl"))
	}
	sort.Strings(venues)
	return venues, nil
}

// readJSONLFile reads a JSON Lines file, skipping lines that do not decode
func (lr *LogReader) readJSONLFile(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var data []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var item Record
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			continue
		}
		data = append(data, item)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return data, nil
}
