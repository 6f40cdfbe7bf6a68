package batch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Report summarizes a completed run.
type Report struct {
	RunID     string    `yaml:"run_id"`
	Backend   string    `yaml:"backend"`
	Model     string    `yaml:"model"`
	Speaker   string    `yaml:"speaker"`
	TextDir   string    `yaml:"text_dir"`
	OutDir    string    `yaml:"out_dir"`
	Selected  int       `yaml:"selected"`
	Generated int       `yaml:"generated"`
	Skipped   int       `yaml:"skipped"`
	Failed    []int     `yaml:"failed,flow"`
	Started   time.Time `yaml:"started"`
	Finished  time.Time `yaml:"finished"`
}

// WriteReportFile writes r to path as YAML.
func WriteReportFile(path string, r *Report) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
