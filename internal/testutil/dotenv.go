// Package testutil holds helpers shared by package tests: a fake API
// server and .env loading for the opt-in live tests.
package testutil

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

var (
	loadOnce sync.Once
	loadErr  error
)

// LoadDotEnv reads the nearest ".env" found walking up from the working
// directory. Variables already set in the environment win. A missing file
// is not an error.
func LoadDotEnv() error {
	loadOnce.Do(func() {
		path, ok := findUpwards(".env")
		if !ok {
			return
		}
		loadErr = loadEnvFile(path)
	})
	return loadErr
}

// LiveAPI returns BARD_LIVE_API_URL after loading .env, skipping the test
// when it is unset.
func LiveAPI(t testing.TB) string {
	t.Helper()
	if err := LoadDotEnv(); err != nil {
		t.Fatalf("load .env: %v", err)
	}
	u := strings.TrimSpace(os.Getenv("BARD_LIVE_API_URL"))
	if u == "" {
		t.Skip("BARD_LIVE_API_URL not set")
	}
	return u
}

func findUpwards(name string) (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		candidate := filepath.Join(dir, name)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var errs []error
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := parseLine(sc.Text())
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, sc.Err())
	return errors.Join(errs...)
}

// parseLine understands KEY=VALUE, an optional "export " prefix, comments
// and single or double quotes around the value.
func parseLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
		val = val[1 : len(val)-1]
	}
	return key, val, true
}
