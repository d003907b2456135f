package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff", ".webp"}

// collectImages expands directories into the image files they contain
// (non-recursive, sorted). Plain files are kept as given.
func collectImages(paths []string) ([]string, error) {
	var images []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !info.IsDir() {
			images = append(images, path)
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", path, err)
		}
		var found []string
		for _, e := range entries {
			if e.IsDir() || !isImage(e.Name()) {
				continue
			}
			found = append(found, filepath.Join(path, e.Name()))
		}
		if len(found) == 0 {
			return nil, fmt.Errorf("no images found in %s", path)
		}
		sort.Strings(found)
		images = append(images, found...)
	}
	return images, nil
}

func isImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range imageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
