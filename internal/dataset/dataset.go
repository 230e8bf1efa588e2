// Package dataset serves prompts bucketed by approximate input token length.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// PromptColumn is the CSV column holding prompt text
const PromptColumn = "Input_Prompt"

// Common errors returned by prompt sources
var (
	ErrEmptyBucket   = errors.New("no prompts in bucket")
	ErrMissingColumn = errors.New("prompt column missing")
)

// Source maps an input-length bucket to its prompts
type Source interface {
	Prompts(bucket int) ([]string, error)
}

// CSVSource reads Dataset_<bucket>.csv files from a directory
type CSVSource struct {
	Dir string
}

// NewCSVSource creates a source over dir
func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{Dir: dir}
}

// Path returns the dataset file for a bucket
func (s *CSVSource) Path(bucket int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("Dataset_%d.csv", bucket))
}

// Prompts implements Source
func (s *CSVSource) Prompts(bucket int) ([]string, error) {
	path := s.Path(bucket)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer f.Close()

	prompts, err := ReadPrompts(f)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	return prompts, nil
}

// ReadPrompts parses a CSV stream and returns the Input_Prompt column
func ReadPrompts(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmptyBucket
	}
	if err != nil {
		return nil, err
	}

	col := -1
	for i, name := range header {
		if strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) == PromptColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, PromptColumn)
	}

	var prompts []string
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if col < len(row) && row[col] != "" {
			prompts = append(prompts, row[col])
		}
	}
	if len(prompts) == 0 {
		return nil, ErrEmptyBucket
	}
	return prompts, nil
}

// StaticSource serves prompts from memory
type StaticSource map[int][]string

// Prompts implements Source
func (s StaticSource) Prompts(bucket int) ([]string, error) {
	prompts := s[bucket]
	if len(prompts) == 0 {
		return nil, fmt.Errorf("bucket %d: %w", bucket, ErrEmptyBucket)
	}
	out := make([]string, len(prompts))
	copy(out, prompts)
	return out, nil
}
