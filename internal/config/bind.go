package config

import (
	"fmt"
	"net"
)

// tailnetCIDR is the CGNAT range used by tailnet-style overlay networks.
var tailnetCIDR = func() *net.IPNet {
	_, cidr, _ := net.ParseCIDR("100.64.0.0/10")
	return cidr
}()

// interfaceAddrs is swapped by tests.
var interfaceAddrs = net.InterfaceAddrs

// ResolveBindHost maps a bind mode to the host address to listen on.
//
//	loopback -> 127.0.0.1
//	lan      -> 0.0.0.0
//	tailnet  -> the first overlay IPv4, error when none is present
//	auto     -> tailnet address when present, else 0.0.0.0
func ResolveBindHost(mode string) (string, error) {
	switch mode {
	case "loopback":
		return "127.0.0.1", nil
	case "lan":
		return "0.0.0.0", nil
	case "tailnet":
		addr := tailnetAddr()
		if addr == "" {
			return "", fmt.Errorf("bind mode tailnet: no overlay interface found")
		}
		return addr, nil
	case "auto":
		if addr := tailnetAddr(); addr != "" {
			return addr, nil
		}
		return "0.0.0.0", nil
	default:
		return "", fmt.Errorf("unknown bind mode %q", mode)
	}
}

func tailnetAddr() string {
	addrs, err := interfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 != nil && tailnetCIDR.Contains(ip4) {
			return ip4.String()
		}
	}
	return ""
}

// IsLoopbackHost reports whether the resolved host only serves local
// clients.
func IsLoopbackHost(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
