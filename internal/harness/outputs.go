package harness

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/xuri/excelize/v2"
)

// Format is an output file format for series tables
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatXLSX    Format = "xlsx"
)

// ParseFormat resolves an explicit format name, falling back to the path extension
// and then to csv
func ParseFormat(name, path string) (Format, error) {
	if name == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".parquet":
			return FormatParquet, nil
		case ".xlsx":
			return FormatXLSX, nil
		}
		return FormatCSV, nil
	}
	switch f := Format(strings.ToLower(name)); f {
	case FormatCSV, FormatParquet, FormatXLSX:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (expected csv, parquet or xlsx)", name)
}

// SeriesRow is one replicate's values, one per recorded timestep
type SeriesRow struct {
	ParamIndex int
	Replicate  int
	Seed       int64
	Values     []float64
}

// SeriesTable is a wide table: id columns followed by one column per timestep
type SeriesTable struct {
	Timesteps []int
	Rows      []SeriesRow
}

var idColumns = []string{"randomparamindex", "replicate", "seed"}

// Columns returns the header, t<step> for each timestep
func (t *SeriesTable) Columns() []string {
	cols := append([]string(nil), idColumns...)
	for _, ts := range t.Timesteps {
		cols = append(cols, "t"+strconv.Itoa(ts))
	}
	return cols
}

func (t *SeriesTable) check() error {
	for _, r := range t.Rows {
		if len(r.Values) != len(t.Timesteps) {
			return fmt.Errorf("row for param %d replicate %d has %d values, expected %d",
				r.ParamIndex, r.Replicate, len(r.Values), len(t.Timesteps))
		}
	}
	return nil
}

// WriteSeries writes the table to path in the given format. The file is
// written beside path under a .tmp name and renamed into place.
func WriteSeries(path string, format Format, table *SeriesTable) error {
	if err := table.check(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	ext := filepath.Ext(path)
	if format == FormatXLSX && !strings.EqualFold(ext, ".xlsx") {
		return fmt.Errorf("xlsx output %s must have an .xlsx extension", path)
	}
	tmp := strings.TrimSuffix(path, ext) + ".tmp" + ext

	var err error
	switch format {
	case FormatCSV, "":
		err = writeCSV(tmp, table)
	case FormatParquet:
		err = writeParquet(tmp, table)
	case FormatXLSX:
		err = writeXLSX(tmp, table)
	default:
		err = fmt.Errorf("unknown output format %q", format)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}

func writeCSV(path string, table *SeriesTable) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(table.Columns()); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	rec := make([]string, 0, len(idColumns)+len(table.Timesteps))
	for _, r := range table.Rows {
		rec = rec[:0]
		rec = append(rec, strconv.Itoa(r.ParamIndex), strconv.Itoa(r.Replicate), strconv.FormatInt(r.Seed, 10))
		for _, v := range r.Values {
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return f.Close()
}

func arrowSchema(table *SeriesTable) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(idColumns)+len(table.Timesteps))
	for _, name := range idColumns {
		fields = append(fields, arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Int64})
	}
	for _, name := range table.Columns()[len(idColumns):] {
		fields = append(fields, arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64})
	}
	return arrow.NewSchema(fields, nil)
}

func writeParquet(path string, table *SeriesTable) error {
	schema := arrowSchema(table)

	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	for _, r := range table.Rows {
		b.Field(0).(*array.Int64Builder).Append(int64(r.ParamIndex))
		b.Field(1).(*array.Int64Builder).Append(int64(r.Replicate))
		b.Field(2).(*array.Int64Builder).Append(r.Seed)
		for i, v := range r.Values {
			b.Field(len(idColumns) + i).(*array.Float64Builder).Append(v)
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithCreatedBy("trachomasim"),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(schema, f, writerProps, arrowProps)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write parquet record: %w", err)
	}
	// closing the writer closes f
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

const xlsxSheet = "series"

func writeXLSX(path string, table *SeriesTable) error {
	xl := excelize.NewFile()
	defer xl.Close()

	if err := xl.SetSheetName(xl.GetSheetName(0), xlsxSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	header := make([]interface{}, 0, len(idColumns)+len(table.Timesteps))
	for _, c := range table.Columns() {
		header = append(header, c)
	}
	if err := xl.SetSheetRow(xlsxSheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, r := range table.Rows {
		row := make([]interface{}, 0, len(header))
		row = append(row, r.ParamIndex, r.Replicate, r.Seed)
		for _, v := range r.Values {
			row = append(row, v)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := xl.SetSheetRow(xlsxSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}
	// SaveAs rejects paths without an xlsx-family extension
	if err := xl.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
