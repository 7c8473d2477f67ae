package dispatch

import "testing"

// TestLoadPluginMissingFileFails covers the error path without
// requiring a real -buildmode=plugin artifact on disk: plugin.Open
// itself must fail for a path that doesn't exist, and LoadPlugin must
// wrap that failure rather than panic.
func TestLoadPluginMissingFileFails(t *testing.T) {
	table := NewTable(nil, nil)
	if err := LoadPlugin("/nonexistent/path/to/plugin.so", table); err == nil {
		t.Fatal("expected an error opening a nonexistent plugin file")
	}
}
