// Package batch turns a directory of numbered text files into numbered WAV
// files, one synthesis call per file, in ascending numeric order.
package batch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidIndex is matched by every *ParseError.
var ErrInvalidIndex = errors.New("file name is not an integer index")

// ParseError reports a text directory entry whose stem is not an integer.
type ParseError struct {
	Name string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid index in file name %q: %v", e.Name, e.Err)
}

// Unwrap lets errors.Is match both ErrInvalidIndex and the strconv error.
func (e *ParseError) Unwrap() []error {
	return []error{ErrInvalidIndex, e.Err}
}

// ParseIndex returns the integer index encoded in a file name, ignoring its
// final extension. "12.txt" and "12" both yield 12; "007.txt" yields 7.
func ParseIndex(name string) (int, error) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	i, err := strconv.Atoi(stem)
	if err != nil {
		return 0, &ParseError{Name: name, Err: err}
	}
	return i, nil
}

// Enumerate lists the regular files directly inside dir and returns their
// indices sorted ascending. Subdirectories and other non-regular entries are
// ignored. Any regular file whose stem is not an integer fails the whole
// enumeration.
func Enumerate(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing text directory: %w", err)
	}

	indices := make([]int, 0, len(entries))
	for _, e := range entries {
		if !isRegular(dir, e) {
			continue
		}
		i, err := ParseIndex(e.Name())
		if err != nil {
			return nil, err
		}
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices, nil
}

// isRegular follows symlinks the way a stat-based file check does.
func isRegular(dir string, e os.DirEntry) bool {
	if e.Type().IsRegular() {
		return true
	}
	if e.Type()&os.ModeSymlink == 0 {
		return false
	}
	fi, err := os.Stat(filepath.Join(dir, e.Name()))
	return err == nil && fi.Mode().IsRegular()
}

// SelectRange returns indices[start:end] with negative bounds counted from the
// end and out-of-range bounds clamped, so it never fails. An end of -1 drops
// the last element. The result is a new slice.
func SelectRange(indices []int, start, end int) []int {
	n := len(indices)
	start = clampBound(start, n)
	end = clampBound(end, n)
	if start >= end {
		return []int{}
	}
	out := make([]int, end-start)
	copy(out, indices[start:end])
	return out
}

func clampBound(i, n int) int {
	if i < 0 {
		i += n
		if i < 0 {
			return 0
		}
	}
	if i > n {
		return n
	}
	return i
}
