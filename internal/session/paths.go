package session

import (
	"os"
	"path/filepath"
)

// Dir is the per-session directory under the data dir.
func Dir(dataDir, id string) string {
	return filepath.Join(dataDir, "sessions", id)
}

// CredsPath is the whatsmeow credential database inside the session
// directory.
func CredsPath(dataDir, id string) string {
	return filepath.Join(Dir(dataDir, id), "session.db")
}

// ListSessionDirs returns the ids of all on-disk session directories.
// A missing sessions/ dir means no sessions, not an error.
func ListSessionDirs(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dataDir, "sessions"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
