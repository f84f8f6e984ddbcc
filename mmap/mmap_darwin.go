//go:build darwin

package mmap

import "errors"

// tryMremap always fails on macOS so Remap takes the unmap/map path.
func (m *Map) tryMremap(newSize int) ([]byte, error) {
	return nil, errors.New("mremap not available on darwin")
}
