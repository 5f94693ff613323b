package main

import (
	"context"
	"strings"
	"testing"
)

func TestListenPort(t *testing.T) {
	for addr, want := range map[string]int{"[::]:8080": 8080, "127.0.0.1:1234": 1234, ":9": 9} {
		got, err := listenPort(addr)
		if err != nil || got != want {
			t.Fatalf("%s: got %d %v", addr, got, err)
		}
	}
	if _, err := listenPort("nohost"); err == nil {
		t.Fatal("expected error")
	}
}

func TestStartMDNS(t *testing.T) {
	var (
		gotPort int
		gotTXT  []string
		stopped int
	)
	prev := registerMDNS
	t.Cleanup(func() { registerMDNS = prev })
	registerMDNS = func(instance, service string, port int, txt []string) (func(), error) {
		if service != mdnsServiceType || instance != "bench" {
			t.Errorf("service %q instance %q", service, instance)
		}
		gotPort, gotTXT = port, txt
		return func() { stopped++ }, nil
	}
	c := validConfig()
	c.mdnsEnable, c.mdnsName, c.authKey = true, "bench", strings.Repeat("ab", 16)
	ctx, cancel := context.WithCancel(context.Background())
	cleanup, err := startMDNS(ctx, c, "0.0.0.0:8080")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if gotPort != 8080 {
		t.Fatalf("port %d", gotPort)
	}
	if !strings.Contains(strings.Join(gotTXT, " "), "auth=true") {
		t.Fatalf("txt %v", gotTXT)
	}
	cleanup()
	cancel()
	if stopped != 1 {
		t.Fatalf("shutdown called %d times", stopped)
	}
}

func TestStartMDNSDisabled(t *testing.T) {
	cleanup, err := startMDNS(context.Background(), validConfig(), "bad")
	if err != nil {
		t.Fatalf("disabled must not fail: %v", err)
	}
	cleanup()
}
