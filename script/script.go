// Package script loads syscall scripts and runs them against a kernel.
// A script lists processes; each process runs its steps in order while
// the processes run concurrently.
package script

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/brettbedarf/kernfs"
	"gopkg.in/yaml.v3"
)

// OpType names the syscall a step makes.
type OpType string

const (
	OpMkdir  OpType = "mkdir"
	OpMknod  OpType = "mknod"
	OpOpen   OpType = "open"
	OpClose  OpType = "close"
	OpDup    OpType = "dup"
	OpRead   OpType = "read"
	OpWrite  OpType = "write"
	OpFstat  OpType = "fstat"
	OpLink   OpType = "link"
	OpUnlink OpType = "unlink"
	OpChdir  OpType = "chdir"
	OpPipe   OpType = "pipe"
)

// Script is the file form of a run.
type Script struct {
	Procs []ProcDTO `yaml:"procs" json:"procs"`
}

// ProcDTO is one process and the steps it makes.
type ProcDTO struct {
	Name  string    `yaml:"name" json:"name"`
	Steps []StepDTO `yaml:"steps" json:"steps"`
}

// StepDTO is one syscall. Which fields apply depends on Op:
//
//	mkdir, unlink, chdir: path
//	mknod:                path, major, minor
//	open:                 path, mode ("rdwr|create")
//	close, dup, fstat:    fd
//	read:                 fd, count
//	write:                fd, data
//	link:                 path (existing), target (new name)
//	pipe:                 none
//
// Expect, when set, is the errno name ("ENOENT") or "OK" the step must
// produce.
type StepDTO struct {
	Op     OpType  `yaml:"op" json:"op"`
	Path   string  `yaml:"path,omitempty" json:"path,omitempty"`
	Target string  `yaml:"target,omitempty" json:"target,omitempty"`
	Mode   string  `yaml:"mode,omitempty" json:"mode,omitempty"`
	Fd     int     `yaml:"fd,omitempty" json:"fd,omitempty"`
	Count  int     `yaml:"count,omitempty" json:"count,omitempty"`
	Data   string  `yaml:"data,omitempty" json:"data,omitempty"`
	Major  uint16  `yaml:"major,omitempty" json:"major,omitempty"`
	Minor  uint16  `yaml:"minor,omitempty" json:"minor,omitempty"`
	Expect *string `yaml:"expect,omitempty" json:"expect,omitempty"`
}

// Load reads a script file. YAML (.yaml, .yml) and JSON (.json) are
// supported.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s Script
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal script: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal script: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported script format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that every step names a known op with the fields it needs.
func (s *Script) Validate() error {
	for i, p := range s.Procs {
		for j, st := range p.Steps {
			if err := st.validate(); err != nil {
				return fmt.Errorf("proc %d (%s) step %d: %w", i, p.Name, j, err)
			}
		}
	}
	return nil
}

func (st StepDTO) validate() error {
	switch st.Op {
	case OpMkdir, OpMknod, OpUnlink, OpChdir:
		if st.Path == "" {
			return fmt.Errorf("%s needs a path", st.Op)
		}
	case OpOpen:
		if st.Path == "" {
			return fmt.Errorf("%s needs a path", st.Op)
		}
		if _, err := ParseMode(st.Mode); err != nil {
			return err
		}
	case OpLink:
		if st.Path == "" || st.Target == "" {
			return fmt.Errorf("%s needs a path and a target", st.Op)
		}
	case OpRead:
		if st.Count < 0 {
			return fmt.Errorf("negative read count %d", st.Count)
		}
	case OpClose, OpDup, OpWrite, OpFstat, OpPipe:
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
	return nil
}

// ParseMode parses open flags written as names joined by "|", such as
// "wronly|create|trunc". An empty string is read-only.
func ParseMode(s string) (kernfs.OpenMode, error) {
	var mode kernfs.OpenMode
	if s == "" {
		return kernfs.O_RDONLY, nil
	}
	for f := range strings.SplitSeq(s, "|") {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "rdonly":
		case "wronly":
			mode |= kernfs.O_WRONLY
		case "rdwr":
			mode |= kernfs.O_RDWR
		case "create":
			mode |= kernfs.O_CREATE
		case "trunc":
			mode |= kernfs.O_TRUNC
		default:
			return 0, fmt.Errorf("unknown open flag %q", f)
		}
	}
	return mode, nil
}
