// SPDX-License-Identifier: MPL-2.0

// Package receipt records what an install run did, as a TOML file kept on the
// target system.
package receipt

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// FileName is the receipt's conventional name below the install root.
const FileName = "var/db/sysinst/receipt.toml"

type (
	// Receipt is the record of one run.
	Receipt struct {
		Started  time.Time `toml:"started"`
		Finished time.Time `toml:"finished"`
		Media    string    `toml:"media"`
		Release  string    `toml:"release"`
		Root     string    `toml:"root"`
		Passes   int       `toml:"passes"`

		Distributions Section  `toml:"distributions"`
		Packages      Section  `toml:"packages"`
		Warnings      []string `toml:"warnings,omitempty"`
	}

	// Section lists what installed and what did not.
	Section struct {
		Installed []string  `toml:"installed"`
		Pending   []string  `toml:"pending,omitempty"`
		Failed    []Failure `toml:"failed,omitempty"`
	}

	// Failure names an item and why it failed.
	Failure struct {
		Name  string `toml:"name"`
		Error string `toml:"error"`
	}
)

// Path returns where the receipt for root lives.
func Path(root string) string {
	return filepath.Join(root, filepath.FromSlash(FileName))
}

// Fail appends a failure for name.
func (s *Section) Fail(name string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.Failed = append(s.Failed, Failure{Name: name, Error: msg})
}

// OK reports whether nothing failed or is still pending.
func (r *Receipt) OK() bool {
	return len(r.Distributions.Failed) == 0 && len(r.Distributions.Pending) == 0 && len(r.Packages.Failed) == 0
}

// Write stores r at path, creating parent directories.
func Write(path string, r *Receipt) error {
	data, err := toml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding receipt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating receipt directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing receipt: %w", err)
	}
	return nil
}

// Read loads the receipt at path.
func Read(path string) (*Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading receipt: %w", err)
	}
	var r Receipt
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing receipt %s: %w", path, err)
	}
	return &r, nil
}
