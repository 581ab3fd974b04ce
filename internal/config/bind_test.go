package config

import (
	"net"
	"testing"
)

func withFakeAddrs(t *testing.T, cidrs ...string) {
	t.Helper()
	orig := interfaceAddrs
	t.Cleanup(func() { interfaceAddrs = orig })
	interfaceAddrs = func() ([]net.Addr, error) {
		var out []net.Addr
		for _, c := range cidrs {
			_, ipNet, err := net.ParseCIDR(c)
			if err != nil {
				t.Fatalf("parse cidr %q: %v", c, err)
			}
			out = append(out, ipNet)
		}
		return out, nil
	}
}

func TestResolveBindHost_Loopback(t *testing.T) {
	host, err := ResolveBindHost("loopback")
	if err != nil || host != "127.0.0.1" {
		t.Fatalf("got %q, %v", host, err)
	}
}

func TestResolveBindHost_LAN(t *testing.T) {
	host, err := ResolveBindHost("lan")
	if err != nil || host != "0.0.0.0" {
		t.Fatalf("got %q, %v", host, err)
	}
}

func TestResolveBindHost_TailnetPresent(t *testing.T) {
	withFakeAddrs(t, "192.168.1.5/24", "100.101.1.2/32")
	host, err := ResolveBindHost("tailnet")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host != "100.101.1.2" {
		t.Fatalf("got %q", host)
	}
}

func TestResolveBindHost_TailnetAbsent(t *testing.T) {
	withFakeAddrs(t, "192.168.1.5/24")
	if _, err := ResolveBindHost("tailnet"); err == nil {
		t.Fatal("expected error when no overlay interface exists")
	}
}

func TestResolveBindHost_AutoFallsBack(t *testing.T) {
	withFakeAddrs(t, "192.168.1.5/24")
	host, err := ResolveBindHost("auto")
	if err != nil || host != "0.0.0.0" {
		t.Fatalf("got %q, %v", host, err)
	}

	withFakeAddrs(t, "100.70.3.4/32")
	host, err = ResolveBindHost("auto")
	if err != nil || host != "100.70.3.4" {
		t.Fatalf("got %q, %v", host, err)
	}
}

func TestResolveBindHost_Unknown(t *testing.T) {
	if _, err := ResolveBindHost("carrier-pigeon"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestIsLoopbackHost(t *testing.T) {
	if !IsLoopbackHost("127.0.0.1") {
		t.Fatal("127.0.0.1 should be loopback")
	}
	if IsLoopbackHost("0.0.0.0") {
		t.Fatal("0.0.0.0 is not loopback")
	}
	if IsLoopbackHost("not-an-ip") {
		t.Fatal("garbage is not loopback")
	}
}
