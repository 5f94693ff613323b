package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_panda-bridge._tcp"

// registerMDNS is a hook for tests.
var registerMDNS = func(instance, service string, port int, txt []string) (func(), error) {
	svc, err := zeroconf.Register(instance, service, "local.", port, txt, nil)
	if err != nil {
		return nil, err
	}
	return svc.Shutdown, nil
}

func mdnsTXT(cfg *appConfig) []string {
	return []string{
		"backend=" + cfg.backend,
		"version=" + version,
		"commit=" + commit,
		"auth=" + strconv.FormatBool(cfg.authKey != ""),
	}
}

// listenPort extracts the port of a bound listener address.
func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}

// startMDNS advertises the bridge on addr and returns a cleanup function.
func startMDNS(ctx context.Context, cfg *appConfig, addr string) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	port, err := listenPort(addr)
	if err != nil {
		return nil, fmt.Errorf("mdns port from %q: %w", addr, err)
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = "panda-gateway-" + host
	}
	shutdown, err := registerMDNS(instance, mdnsServiceType, port, mdnsTXT(cfg))
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	stop := context.AfterFunc(ctx, shutdown)
	return func() {
		if stop() {
			shutdown()
			time.Sleep(50 * time.Millisecond)
		}
	}, nil
}
