// Package mmap wraps memory-mapped file regions for the storage engine.
package mmap

// Map is a memory-mapped file region.
type Map struct {
	data     []byte
	fd       int
	size     int64
	capacity int64 // reserved address space, may exceed size
	writable bool
}

// Data returns the mapped byte slice.
func (m *Map) Data() []byte {
	return m.data
}

// Size returns the current mapped size.
func (m *Map) Size() int64 {
	return m.size
}

// Capacity returns the reserved address space capacity.
func (m *Map) Capacity() int64 {
	return m.capacity
}

// Writable reports whether the mapping has write permission.
func (m *Map) Writable() bool {
	return m.writable
}

// Fd returns the underlying file descriptor.
func (m *Map) Fd() int {
	return m.fd
}

// Error is an mmap operation failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "mmap: " + e.Op + ": " + e.Err.Error()
	}
	return "mmap: " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrInvalidSize  = &Error{Op: "invalid size"}
	ErrInvalidRange = &Error{Op: "invalid range"}
	ErrNotMapped    = &Error{Op: "not mapped"}
	ErrEmptyFile    = &Error{Op: "empty file"}
)
