package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// SynthesizeToFile synthesizes text with s and writes the WAV to path.
//
// The audio is written to a temporary file in the destination directory and
// renamed into place, so path either holds a complete file or is left
// untouched.
func SynthesizeToFile(ctx context.Context, s Synthesizer, text string, opts SynthesizeOpts, path string) error {
	res, err := s.Synthesize(ctx, text, opts)
	if err != nil {
		return err
	}
	if res == nil || len(res.Audio) == 0 {
		return errors.New("synthesizer returned no audio")
	}
	return writeFileAtomic(path, res.Audio)
}

func writeFileAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	tmp, err := os.CreateTemp(dir, "."+base+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
