//go:build integration

// End-to-end tests that run the full HTTP API against a real Redis
// instance. They skip unless the test Redis container is reachable
// (see internal/testutil).
package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/netreg-cloud/netreg/internal/testutil"
	"github.com/netreg-cloud/netreg/pkg/api"
	"github.com/netreg-cloud/netreg/pkg/registry"
	"github.com/netreg-cloud/netreg/pkg/store"
)

const (
	e2eOwner = "5f7a1f60-2f34-4e40-9cfe-000000000001"
	e2eZone  = "5f7a1f60-2f34-4e40-9cfe-000000000002"
)

// startServer brings up a Redis-backed engine behind a real listener and
// returns the base URL. The test database is flushed first.
func startServer(t *testing.T) string {
	t.Helper()
	testutil.SkipIfNoRedis(t)
	testutil.FlushDB(t, testutil.RedisAddr(), testutil.TestDB)
	return startServerKeepData(t)
}

// startServerKeepData starts a second server over whatever the test
// database already holds, simulating a daemon restart.
func startServerKeepData(t *testing.T) string {
	t.Helper()
	testutil.SkipIfNoRedis(t)

	addr := testutil.RedisAddr()
	st := store.NewRedisStore(addr, testutil.TestDB)
	t.Cleanup(func() { st.Close() })

	e := registry.New(st, registry.Config{OUI: 0x90b8d0})
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	srv := httptest.NewServer(api.NewServer(e, ":0").Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

// call issues a request with a JSON body and decodes the JSON response.
func call(t *testing.T, method, url string, body interface{}, out interface{}) *http.Response {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s: %v\nbody: %s", method, url, err, data)
		}
	}
	return resp
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status = %d, want %d",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want)
	}
}
