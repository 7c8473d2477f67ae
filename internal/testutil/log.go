// Copyright 2018 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// VerboseTest reports whether DEBUG=1 is set in the environment.
func VerboseTest() bool {
	return os.Getenv("DEBUG") == "1"
}

// Logger returns a zap logger writing to t.Log, or a no-op logger
// unless DEBUG=1 is set: most tests don't want every component's log
// output interleaved into -v output, but VerboseTest escape-hatches it
// for diagnosing a flaky run.
func Logger(t *testing.T) *zap.Logger {
	if !VerboseTest() {
		return zap.NewNop()
	}
	return zaptest.NewLogger(t)
}
