package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ScanDir finds every complete batch in dir: a record file whose matching index
// file also exists. Results are in file-name order. Record files without an
// index file are returned separately so the caller can report them.
func ScanDir(dir string) (found []Info, orphans []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("scan chunk dir %s: %w", dir, err)
	}

	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			present[e.Name()] = true
		}
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, RecordSuffix) {
			continue
		}
		stem := strings.TrimSuffix(name, RecordSuffix)
		if !present[stem+IndexSuffix] {
			orphans = append(orphans, filepath.Join(dir, name))
			continue
		}
		found = append(found, Info{
			ID:         stem,
			RecordFile: filepath.Join(dir, name),
			IndexFile:  filepath.Join(dir, stem+IndexSuffix),
		})
	}
	return found, orphans, nil
}
