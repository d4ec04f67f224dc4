// ABOUTME: Shared helpers for store tests
// ABOUTME: Writes raw files to simulate crashes and partial writes

package store

import "os"

func writeRaw(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}
