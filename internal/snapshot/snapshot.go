// Package snapshot saves and restores the register file and halt state of a
// call as a versioned msgpack payload.
package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"fortio.org/safecast"
	"github.com/vmihailenco/msgpack/v5"

	"ebcvm/internal/vm"
)

// Schema is the payload version. Bump it when State changes shape.
const Schema uint16 = 1

// ErrSchema is returned for payloads written by another schema version.
var ErrSchema = errors.New("snapshot schema mismatch")

// Fault is the exception that ended a call.
type Fault struct {
	Type     uint8
	Severity uint8
	IP       uint64
	Message  string
}

// State is a point-in-time copy of one call.
type State struct {
	Schema uint16
	Label  string
	Taken  time.Time

	NativeWidth uint8
	R           [8]uint64
	IP          uint64
	FramePtr    uint64
	Flags       uint64
	StopFlags   uint8

	StackTop      uint64
	StackRetAddr  uint64
	StackMagicPtr uint64
	EntryPoint    uint64
	ImageHandle   uint64
	SystemTable   uint64

	Reason         string
	Fault          *Fault
	LastException  uint8
	ExceptionFlags uint8
	Steps          uint64
}

// FromVM copies the state of m.
func FromVM(m *vm.VM, label string) (*State, error) {
	width, err := safecast.Conv[uint8](m.Memory().Natural())
	if err != nil {
		return nil, fmt.Errorf("native width: %w", err)
	}
	s := &State{
		Schema:         Schema,
		Label:          label,
		Taken:          time.Now().UTC(),
		NativeWidth:    width,
		R:              m.R,
		IP:             m.IP,
		FramePtr:       m.FramePtr,
		Flags:          m.Flags,
		StopFlags:      uint8(m.StopFlags),
		StackTop:       m.StackTop,
		StackRetAddr:   m.StackRetAddr,
		StackMagicPtr:  m.StackMagicPtr,
		EntryPoint:     m.EntryPoint,
		ImageHandle:    m.ImageHandle,
		SystemTable:    m.SystemTable,
		Reason:         m.Reason().String(),
		LastException:  uint8(m.LastException),
		ExceptionFlags: uint8(m.ExceptionFlags),
		Steps:          m.Steps,
	}
	if f := m.Fault(); f != nil {
		s.Fault = &Fault{Type: uint8(f.Type), Severity: uint8(f.Severity), IP: f.IP, Message: f.Message}
	}
	return s, nil
}

// Exception rebuilds the recorded fault, or nil if the call ended normally.
func (s *State) Exception() *vm.Exception {
	if s.Fault == nil {
		return nil
	}
	return &vm.Exception{
		Type:     vm.ExceptionType(s.Fault.Type),
		Severity: vm.Severity(s.Fault.Severity),
		IP:       s.Fault.IP,
		Message:  s.Fault.Message,
	}
}

// Encode writes s to w.
func Encode(w io.Writer, s *State) error {
	return msgpack.NewEncoder(w).Encode(s)
}

// Decode reads a State from r and checks its schema and fault fields.
func Decode(r io.Reader) (*State, error) {
	var s State
	if err := msgpack.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Schema != Schema {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSchema, s.Schema, Schema)
	}
	if s.Fault != nil && vm.ExceptionType(s.Fault.Type) > vm.MaxExceptionType {
		return nil, fmt.Errorf("decode snapshot: exception type %d out of range", s.Fault.Type)
	}
	if s.NativeWidth != 4 && s.NativeWidth != 8 {
		return nil, fmt.Errorf("decode snapshot: native width %d", s.NativeWidth)
	}
	return &s, nil
}

// Write stores s at path, replacing any existing file atomically.
func Write(path string, s *State) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(f.Name()) //nolint:errcheck
		}
	}()
	if err = Encode(f, s); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// Read loads a State written by Write.
func Read(path string) (*State, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck
	return Decode(f)
}
