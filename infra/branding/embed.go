package branding

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
)

// Files contains the portal assets embedded into the binary.
//
//go:embed *.css *.svg
var Files embed.FS

// FileSystem returns the operator's branding directory when path is set,
// otherwise the embedded defaults.
func FileSystem(path string) (fs.FS, error) {
	if path == "" {
		return fs.Sub(Files, ".")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("branding path %s is not a directory", path)
	}
	return os.DirFS(path), nil
}
