// Package contact implements the scheduler's contact-file lifecycle: a
// small file advertising how to reach the running scheduler (host,
// port, pid, version, a per-run UUID, working directory), written on
// startup and removed on clean shutdown so other tools can discover a
// live scheduler without guessing.
package contact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Info is the contact file's contents.
type Info struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	PID        int    `json:"pid"`
	Version    string `json:"version"`
	RunID      string `json:"run_id"`
	WorkingDir string `json:"working_dir"`
}

// Write creates (or overwrites) the contact file at dir/contact, and
// returns the written Info, including a freshly generated RunID.
func Write(dir, host string, port int, version string) (Info, error) {
	wd, err := os.Getwd()
	if err != nil {
		return Info{}, fmt.Errorf("contact: resolve working directory: %w", err)
	}
	info := Info{
		Host:       host,
		Port:       port,
		PID:        os.Getpid(),
		Version:    version,
		RunID:      uuid.NewString(),
		WorkingDir: wd,
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Info{}, fmt.Errorf("contact: create directory: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return Info{}, fmt.Errorf("contact: marshal: %w", err)
	}
	path := filepath.Join(dir, "contact")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return Info{}, fmt.Errorf("contact: write %s: %w", path, err)
	}
	return info, nil
}

// Read loads the contact file at dir/contact, used by client tools
// (the command-line query path) to find a running scheduler.
func Read(dir string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, "contact"))
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("contact: parse %s: %w", filepath.Join(dir, "contact"), err)
	}
	return info, nil
}

// Remove deletes the contact file, tolerating its absence (a second
// shutdown attempt, or a process that crashed before Write).
func Remove(dir string) error {
	err := os.Remove(filepath.Join(dir, "contact"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
