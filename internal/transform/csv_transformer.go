package transform

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shelfware/stocksync/internal/model"
	"github.com/shelfware/stocksync/internal/syncerr"
)

// Section markers in the exported snapshot file.
const (
	profileSection   = "#profiles"
	accessorySection = "#accessories"
)

// CSVTransformer parses the delimited snapshot export: a #profiles section
// and an #accessories section, each a header row followed by data rows.
type CSVTransformer struct{}

// NewCSVTransformer creates a CSV snapshot transformer
func NewCSVTransformer() *CSVTransformer {
	return &CSVTransformer{}
}

// Transform parses the export into a snapshot
func (t *CSVTransformer) Transform(data []byte) (*model.Snapshot, error) {
	sections, err := splitSections(data)
	if err != nil {
		return nil, &syncerr.ParseError{Cause: err}
	}

	snap := &model.Snapshot{}

	profiles, ok := sections[profileSection]
	if !ok {
		return nil, &syncerr.ParseError{Cause: errors.New("missing #profiles section")}
	}
	snap.Profiles, err = parseProfiles(profiles)
	if err != nil {
		return nil, &syncerr.ParseError{Cause: err}
	}

	accessories, ok := sections[accessorySection]
	if !ok {
		return nil, &syncerr.ParseError{Cause: errors.New("missing #accessories section")}
	}
	snap.Accessories, err = parseAccessories(accessories)
	if err != nil {
		return nil, &syncerr.ParseError{Cause: err}
	}

	return snap, nil
}

// splitSections groups the raw lines under their section markers.
func splitSections(data []byte) (map[string][]string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty snapshot")
	}

	sections := make(map[string][]string)
	current := ""

	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if strings.HasPrefix(trimmed, "#") {
			current = strings.TrimSpace(trimmed)
			if current != profileSection && current != accessorySection {
				return nil, fmt.Errorf("unknown section %q", current)
			}
			sections[current] = nil
			continue
		}
		if strings.TrimSpace(trimmed) == "" {
			continue
		}
		if current == "" {
			return nil, errors.New("data before first section marker")
		}
		sections[current] = append(sections[current], trimmed)
	}

	return sections, nil
}

func readRecords(lines []string) (header []string, rows [][]string, err error) {
	if len(lines) == 0 {
		return nil, nil, errors.New("section has no header row")
	}

	r := csv.NewReader(strings.NewReader(strings.Join(lines, "\n")))
	r.FieldsPerRecord = -1

	header, err = r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i, h := range header {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read row: %w", err)
		}
		if len(rec) != len(header) {
			return nil, nil, fmt.Errorf("row has %d fields, header has %d", len(rec), len(header))
		}
		rows = append(rows, rec)
	}

	return header, rows, nil
}

func parseProfiles(lines []string) ([]model.Profile, error) {
	header, rows, err := readRecords(lines)
	if err != nil {
		return nil, err
	}

	profiles := make([]model.Profile, 0, len(rows))
	for i, row := range rows {
		var p model.Profile
		for col, value := range zipRow(header, row) {
			value = strings.TrimSpace(value)
			switch col {
			case "code":
				p.Code = value
			case "name":
				p.Name = value
			case "series":
				p.Series = value
			case "finish":
				p.Finish = value
			case "price_per_m":
				if p.PricePerM, err = parseFloat(col, value); err != nil {
					return nil, fmt.Errorf("profile row %d: %w", i+1, err)
				}
			case "weight_per_m":
				if p.WeightPerM, err = parseFloat(col, value); err != nil {
					return nil, fmt.Errorf("profile row %d: %w", i+1, err)
				}
			case "length_mm":
				if value != "" {
					if p.LengthMM, err = strconv.Atoi(value); err != nil {
						return nil, fmt.Errorf("profile row %d: invalid %s %q", i+1, col, value)
					}
				}
			default:
				if p.Extra == nil {
					p.Extra = make(map[string]string)
				}
				p.Extra[col] = value
			}
		}
		if p.Code == "" {
			return nil, fmt.Errorf("profile row %d: missing code", i+1)
		}
		profiles = append(profiles, p)
	}

	return profiles, nil
}

func parseAccessories(lines []string) ([]model.Accessory, error) {
	header, rows, err := readRecords(lines)
	if err != nil {
		return nil, err
	}

	accessories := make([]model.Accessory, 0, len(rows))
	for i, row := range rows {
		var a model.Accessory
		for col, value := range zipRow(header, row) {
			value = strings.TrimSpace(value)
			switch col {
			case "code":
				a.Code = value
			case "name":
				a.Name = value
			case "unit":
				a.Unit = value
			case "price_unit":
				if a.PriceUnit, err = parseFloat(col, value); err != nil {
					return nil, fmt.Errorf("accessory row %d: %w", i+1, err)
				}
			default:
				if a.Extra == nil {
					a.Extra = make(map[string]string)
				}
				a.Extra[col] = value
			}
		}
		if a.Code == "" {
			return nil, fmt.Errorf("accessory row %d: missing code", i+1)
		}
		accessories = append(accessories, a)
	}

	return accessories, nil
}

func zipRow(header, row []string) map[string]string {
	m := make(map[string]string, len(header))
	for i, col := range header {
		m[col] = row[i]
	}
	return m
}

func parseFloat(col, value string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", col, value)
	}
	return f, nil
}
