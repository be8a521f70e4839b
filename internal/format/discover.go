package format

import (
	"os"
	"path/filepath"
)

// ValidExtensions are the recognized dump/upload document extensions.
var ValidExtensions = []string{
	".json",
	".jsonc",
}

// IsDocumentFile returns true if the file has a recognized document extension.
func IsDocumentFile(path string) bool {
	ext := filepath.Ext(path)
	for _, valid := range ValidExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// DiscoverFiles finds all dump/upload documents under dir, in walk order.
func DiscoverFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if IsDocumentFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// RelativePath computes the path of file relative to baseDir.
func RelativePath(baseDir, file string) (string, error) {
	return filepath.Rel(baseDir, file)
}

// ParseFile reads and parses a document from disk.
func ParseFile(path string, opts Options) (*Document, *Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return Parse(data, opts)
}
