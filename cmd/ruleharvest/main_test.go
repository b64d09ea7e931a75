package main

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func TestExecute_Version(t *testing.T) {
	err := Execute("1.0.0", "abc123", "ruleharvest", []string{"--version"})
	if err != nil {
		t.Errorf("Expected no error for --version, got: %v", err)
	}
}

func TestExecute_Help(t *testing.T) {
	for _, args := range [][]string{{"--help"}, {"run", "--help"}, {"summary", "--help"}, {"check", "--help"}} {
		if err := Execute("1.0.0", "abc123", "ruleharvest", args); err != nil {
			t.Errorf("Expected no error for %v, got: %v", args, err)
		}
	}
}

func TestExecute_InvalidFlag(t *testing.T) {
	err := Execute("1.0.0", "abc123", "ruleharvest", []string{"--invalid-flag"})
	if err == nil {
		t.Error("Expected error for invalid flag")
	}
}

func TestExecute_UnexpectedArgument(t *testing.T) {
	err := Execute("1.0.0", "abc123", "ruleharvest", []string{"summary", "extra"})
	if err == nil {
		t.Error("Expected error for positional argument")
	}
}

func TestExecute_InvalidStoreDriver(t *testing.T) {
	err := Execute("1.0.0", "abc123", "ruleharvest", []string{"--store-driver", "mongo"})
	if err == nil {
		t.Fatal("Expected error for invalid store driver")
	}
	if !strings.Contains(err.Error(), "store-driver") {
		t.Errorf("Expected error about store-driver, got: %v", err)
	}
}

func TestExecute_Check(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rate_limit", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"resources": {"search": {"limit": 30, "remaining": 30, "reset": 1700000000}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	err := Execute("1.0.0", "abc123", "ruleharvest", []string{"check", "--github-base-url", srv.URL, "--log-level", "error"})
	if err != nil {
		t.Errorf("Expected check to succeed, got: %v", err)
	}
}

func TestExecute_Summary(t *testing.T) {
	dir := t.TempDir()
	err := Execute("1.0.0", "abc123", "ruleharvest", []string{
		"summary", "--json",
		"--store-path", filepath.Join(dir, "identities.json"),
		"--output-csv", filepath.Join(dir, "rules.csv"),
		"--log-level", "error",
	})
	if err != nil {
		t.Errorf("Expected summary of an empty store to succeed, got: %v", err)
	}
}

func TestRunMain_Success(t *testing.T) {
	exitCode := -1
	mockExit := func(code int) {
		exitCode = code
	}

	// --help should succeed
	runMain([]string{"ruleharvest", "--help"}, mockExit)

	if exitCode != -1 {
		t.Errorf("Expected no exit call for --help, got exit code: %d", exitCode)
	}
}

func TestRunMain_Failure(t *testing.T) {
	exitCode := -1
	mockExit := func(code int) {
		exitCode = code
	}

	runMain([]string{"ruleharvest", "--invalid"}, mockExit)

	if exitCode != 1 {
		t.Errorf("Expected exit code 1 for invalid flag, got: %d", exitCode)
	}
}
