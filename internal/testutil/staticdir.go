package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// WriteStaticTree materializes files under a fresh temp dir and returns its
// root. Keys are slash-separated relative paths.
func WriteStaticTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", rel, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return root
}

// Touch sets the modification time of a file under root.
func Touch(t *testing.T, root, rel string, when time.Time) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.Chtimes(full, when, when); err != nil {
		t.Fatalf("chtimes %s: %v", rel, err)
	}
}
