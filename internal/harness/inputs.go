package harness

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
)

// BetRow is one simulation requested by the bet file
type BetRow struct {
	ParamIndex int
	Beta       float64
}

// ReadBetFile reads a bet table from CSV or, for .xlsx files, the first sheet
func ReadBetFile(path string) ([]BetRow, error) {
	records, err := readTable(path)
	if err != nil {
		return nil, err
	}
	return parseBet(records)
}

// ParseBetCSV reads a bet table with header randomparamindex,bet
func ParseBetCSV(r io.Reader) ([]BetRow, error) {
	records, err := readCSV(r)
	if err != nil {
		return nil, err
	}
	return parseBet(records)
}

func parseBet(records [][]string) ([]BetRow, error) {
	cols, body, err := header(records, "bet", "randomparamindex", "bet")
	if err != nil {
		return nil, err
	}
	rows := make([]BetRow, 0, len(body))
	for i, rec := range body {
		line := i + 2
		idx, err := strconv.Atoi(field(rec, cols["randomparamindex"]))
		if err != nil {
			return nil, models.NewConfigurationError("bet", "line %d: invalid randomparamindex: %v", line, err)
		}
		beta, err := strconv.ParseFloat(field(rec, cols["bet"]), 64)
		if err != nil {
			return nil, models.NewConfigurationError("bet", "line %d: invalid bet: %v", line, err)
		}
		rows = append(rows, BetRow{ParamIndex: idx, Beta: beta})
	}
	if len(rows) == 0 {
		return nil, models.NewConfigurationError("bet", "no simulations listed")
	}
	return rows, nil
}

// ReadMDAFile reads an MDA schedule from CSV or, for .xlsx files, the first sheet.
// The result is validated with config.ValidateSchedule.
func ReadMDAFile(path string) ([]config.EventSpec, error) {
	records, err := readTable(path)
	if err != nil {
		return nil, err
	}
	return parseMDA(records)
}

// ParseMDACSV reads a schedule with header timestep,coverage[,min_age,max_age]
func ParseMDACSV(r io.Reader) ([]config.EventSpec, error) {
	records, err := readCSV(r)
	if err != nil {
		return nil, err
	}
	return parseMDA(records)
}

func parseMDA(records [][]string) ([]config.EventSpec, error) {
	cols, body, err := header(records, "mda", "timestep", "coverage")
	if err != nil {
		return nil, err
	}
	events := make([]config.EventSpec, 0, len(body))
	for i, rec := range body {
		line := i + 2
		var ev config.EventSpec
		if ev.Timestep, err = strconv.Atoi(field(rec, cols["timestep"])); err != nil {
			return nil, models.NewConfigurationError("mda", "line %d: invalid timestep: %v", line, err)
		}
		if ev.Coverage, err = strconv.ParseFloat(field(rec, cols["coverage"]), 64); err != nil {
			return nil, models.NewConfigurationError("mda", "line %d: invalid coverage: %v", line, err)
		}
		if ev.MinAgeYears, err = optionalFloat(rec, cols, "min_age"); err != nil {
			return nil, models.NewConfigurationError("mda", "line %d: invalid min_age: %v", line, err)
		}
		if ev.MaxAgeYears, err = optionalFloat(rec, cols, "max_age"); err != nil {
			return nil, models.NewConfigurationError("mda", "line %d: invalid max_age: %v", line, err)
		}
		events = append(events, ev)
	}
	if err := config.ValidateSchedule(events); err != nil {
		return nil, err
	}
	return events, nil
}

// header maps lower-cased column names to positions and checks required ones
func header(records [][]string, table string, required ...string) (map[string]int, [][]string, error) {
	if len(records) == 0 {
		return nil, nil, models.NewConfigurationError(table, "file is empty")
	}
	cols := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, nil, models.NewConfigurationError(table, "missing column %q", name)
		}
	}
	return cols, records[1:], nil
}

func field(rec []string, i int) string {
	if i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func optionalFloat(rec []string, cols map[string]int, name string) (float64, error) {
	i, ok := cols[name]
	if !ok || field(rec, i) == "" {
		return 0, nil
	}
	return strconv.ParseFloat(field(rec, i), 64)
}

func readTable(path string) ([][]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return readXLSX(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return readCSV(f)
}

func readCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	cr.Comment = '#'
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return records, nil
}

func readXLSX(path string) ([][]string, error) {
	xl, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx %s: %w", path, err)
	}
	defer xl.Close()

	sheet := xl.GetSheetName(0)
	if sheet == "" {
		return nil, errors.New("no sheets found in xlsx file")
	}
	rows, err := xl.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return rows, nil
}

// WriteBetFile writes rows as a bet CSV readable by ReadBetFile
func WriteBetFile(path string, rows []BetRow) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create bet file %s: %w", path, err)
	}
	if err := WriteBetCSV(f, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteBetCSV writes rows with header randomparamindex,bet
func WriteBetCSV(w io.Writer, rows []BetRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"randomparamindex", "bet"}); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{strconv.Itoa(r.ParamIndex), strconv.FormatFloat(r.Beta, 'g', -1, 64)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
