//go:build integration

// Package testutil provides helpers for integration tests that run against
// a real Redis instance.
package testutil

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// TestDB is the Redis database number used by integration tests.
const TestDB = 9

// RedisAddr returns the address of the test Redis instance (IP:port).
// It first checks NETREG_TEST_REDIS_ADDR, then discovers the Docker
// container IP.
func RedisAddr() string {
	if addr := os.Getenv("NETREG_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	ip := redisContainerIP()
	if ip == "" {
		return ""
	}
	return ip + ":6379"
}

func redisContainerIP() string {
	out, err := exec.Command("docker", "inspect",
		"--format", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}",
		"netreg-test-redis").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// SkipIfNoRedis skips the test if the test Redis instance is not reachable.
func SkipIfNoRedis(t *testing.T) {
	t.Helper()

	addr := RedisAddr()
	if addr == "" {
		t.Skip("no test Redis available (set NETREG_TEST_REDIS_ADDR or start netreg-test-redis)")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: TestDB})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis at %s not reachable: %v", addr, err)
	}
}

// FlushDB flushes a specific Redis database.
func FlushDB(t *testing.T, addr string, db int) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	defer client.Close()

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushing DB %d: %v", db, err)
	}
}
