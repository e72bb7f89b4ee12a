// Package naming derives download names for processed images.
package naming

import (
	"fmt"
	"path"
	"strings"
)

const (
	Suffix    = "_sin_fondo"
	Extension = ".png"
)

// Derive builds the output name of the index-th (1-based) image of a batch.
//
// With keepOriginal the last extension of original is replaced, otherwise the
// name is positional: imagen_<index>_sin_fondo.png.
func Derive(original string, keepOriginal bool, index int) string {
	if !keepOriginal {
		return fmt.Sprintf("imagen_%d%s%s", index, Suffix, Extension)
	}
	return Base(original) + Suffix + Extension
}

// Base strips any directory and the last "." extension from name.
// A name without "." is returned whole.
func Base(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i]
	}
	return name
}
