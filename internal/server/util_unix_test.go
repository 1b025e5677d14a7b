//go:build !windows

package server

import "path/filepath"

// absPath joins elem under the filesystem root.
func absPath(elem ...string) string {
	return filepath.Join(append([]string{"/"}, elem...)...)
}
