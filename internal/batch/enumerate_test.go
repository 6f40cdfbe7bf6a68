package batch

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func TestParseIndex(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"12.txt", 12},
		{"0.txt", 0},
		{"007.txt", 7},
		{"5", 5},
		{"-3.txt", -3},
		{"4.md", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIndex(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseIndex_Invalid(t *testing.T) {
	for _, name := range []string{"abc.txt", "1.2.txt", ".txt", "chapter-1.txt", ""} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseIndex(name)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidIndex)

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, name, pe.Name)

			var ne *strconv.NumError
			assert.True(t, errors.As(err, &ne))
		})
	}
}

func TestEnumerate_SortsNumerically(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"10.txt": "", "2.txt": "", "1.txt": "", "0.txt": ""})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

	got, err := Enumerate(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 10}, got)
}

func TestEnumerate_IgnoresDirectoriesEvenWithBadNames(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"3.txt": "x"})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "abc"), 0o755))

	got, err := Enumerate(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, got)
}

func TestEnumerate_FollowsSymlinks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(t.TempDir(), "source.txt")
	require.NoError(t, os.WriteFile(target, []byte("hi"), 0o644))
	if err := os.Symlink(target, filepath.Join(dir, "4.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	got, err := Enumerate(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, got)
}

func TestEnumerate_BadFileName(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"0.txt": "a", "abc.txt": "b"})

	_, err := Enumerate(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

func TestEnumerate_MissingDir(t *testing.T) {
	_, err := Enumerate(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEnumerate_Empty(t *testing.T) {
	got, err := Enumerate(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSelectRange(t *testing.T) {
	ten := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	tests := []struct {
		name       string
		start, end int
		want       []int
	}{
		{"middle", 2, 5, []int{2, 3, 4}},
		{"all but last", 0, -1, []int{0, 1, 2, 3, 4, 5, 6, 7, 8}},
		{"full", 0, 10, ten},
		{"end beyond length", 8, 100, []int{8, 9}},
		{"negative start", -3, 10, []int{7, 8, 9}},
		{"negative both", -3, -1, []int{7, 8}},
		{"start beyond length", 12, 20, []int{}},
		{"start after end", 5, 2, []int{}},
		{"equal bounds", 4, 4, []int{}},
		{"very negative start", -100, 2, []int{0, 1}},
		{"very negative end", 0, -100, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectRange(ten, tt.start, tt.end))
		})
	}
}

func TestSelectRange_EmptyInput(t *testing.T) {
	assert.Equal(t, []int{}, SelectRange(nil, 0, -1))
	assert.Equal(t, []int{}, SelectRange([]int{}, 0, 10))
}

func TestSelectRange_ReturnsCopy(t *testing.T) {
	in := []int{1, 2, 3}
	out := SelectRange(in, 0, 3)
	out[0] = 99
	assert.Equal(t, 1, in[0])
}
