package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunLogsStoreErrors(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "dashboard.log")

	code := run([]string{"-db", filepath.Join(dir, "missing.db"), "-log_output", logPath})
	if code != 1 {
		t.Fatalf("exit code = %d, expected 1", code)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[ERROR] failed to open scalar store") {
		t.Errorf("log = %q", data)
	}
}

func TestRunRejectsBadArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"help", []string{"-h"}, 0},
		{"unknown flag", []string{"-port", "1"}, 1},
		{"bad log level", []string{"-log_level", "loud"}, 1},
	}
	for _, test := range tests {
		if code := run(test.args); code != test.code {
			t.Errorf("%s: exit code = %d, expected %d", test.name, code, test.code)
		}
	}
}
