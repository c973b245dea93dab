package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var (
	ErrNoRecipients = errors.New("csv contains no email addresses")
	ErrTooManyRows  = errors.New("csv exceeds the row limit")
)

var addressPattern = regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`)

// ParseRecipients reads recipient addresses from a CSV upload.
//
// When the header row has an "Email" column (case-insensitive) only that
// column is read. Otherwise every cell of every row, the first included,
// is scanned for addresses. Addresses are lowercased and deduplicated in
// first-seen order.
//
// maxRows limits how many data rows are read; a longer file is rejected.
func ParseRecipients(r io.Reader, maxRows int) ([]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	if maxRows <= 0 {
		maxRows = 1000
	}

	first, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoRecipients
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	emailIdx := -1
	for i, h := range first {
		if strings.EqualFold(strings.TrimSpace(h), "email") {
			emailIdx = i
			break
		}
	}

	seen := make(map[string]struct{})
	out := make([]string, 0)

	add := func(cell string) {
		for _, m := range addressPattern.FindAllString(cell, -1) {
			addr := strings.ToLower(m)
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}

	if emailIdx == -1 {
		for _, cell := range first {
			add(cell)
		}
	}

	for rows := 0; ; rows++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", rows+2, err)
		}
		if rows >= maxRows {
			return nil, fmt.Errorf("%w of %d", ErrTooManyRows, maxRows)
		}

		if emailIdx >= 0 {
			if emailIdx < len(record) {
				add(strings.TrimSpace(record[emailIdx]))
			}
			continue
		}
		for _, cell := range record {
			add(cell)
		}
	}

	if len(out) == 0 {
		return nil, ErrNoRecipients
	}
	return out, nil
}
