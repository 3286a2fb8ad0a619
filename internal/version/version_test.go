package version

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		v1, v2 string
		want   int
	}{
		{"v1.2.0", "1.1.9", 1},
		{"1.0", "v1.0.0", 0},
		{"v0.9.1", "v0.10.0", -1},
		{"v2", "v1.99.99", 1},
		{"garbage", "v0.0.1", -1},
	}
	for _, tt := range tests {
		if got := compareVersions(tt.v1, tt.v2); got != tt.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.v1, tt.v2, got, tt.want)
		}
	}
}

func withRelease(t *testing.T, version string, status int, body string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	oldURL, oldVersion := ReleasesURL, Version
	ReleasesURL, Version = srv.URL, version
	t.Cleanup(func() { ReleasesURL, Version = oldURL, oldVersion })
}

func TestCheckForUpdate(t *testing.T) {
	withRelease(t, "v0.1.0", http.StatusOK, `{"tag_name":"v0.2.0"}`)

	has, latest, err := CheckForUpdate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !has || latest != "v0.2.0" {
		t.Errorf("got %v %q, want update to v0.2.0", has, latest)
	}
}

func TestCheckForUpdateCurrent(t *testing.T) {
	withRelease(t, "v0.2.0", http.StatusOK, `{"tag_name":"v0.2.0"}`)

	has, latest, err := CheckForUpdate(context.Background())
	if err != nil || has || latest != "v0.2.0" {
		t.Errorf("got %v %q %v", has, latest, err)
	}
}

func TestCheckForUpdateSkipsDevAndErrors(t *testing.T) {
	withRelease(t, "dev", http.StatusOK, `{"tag_name":"v9.0.0"}`)
	if has, _, err := CheckForUpdate(context.Background()); has || err != nil {
		t.Errorf("dev build: got %v %v", has, err)
	}

	withRelease(t, "v0.1.0", http.StatusForbidden, `{"message":"rate limited"}`)
	if has, _, err := CheckForUpdate(context.Background()); has || err != nil {
		t.Errorf("rate limited: got %v %v", has, err)
	}
}

func TestGetVersionString(t *testing.T) {
	old := Version
	Version = "v1.0.0"
	defer func() { Version = old }()

	if got := GetVersionString(); got != "reqchat version: v1.0.0 (commit: unknown, built: unknown)" {
		t.Errorf("GetVersionString() = %q", got)
	}
}
