package registry

import (
	"net"
	"strconv"
	"strings"
	"sync"
)

// CallbackConfig describes where the event callback server listens.
type CallbackConfig struct {
	// Host is used when no local interface shares a subnet with the device.
	Host string
	Port int
	Path string
	// InterfaceAddrs defaults to net.InterfaceAddrs.
	InterfaceAddrs func() ([]net.Addr, error)
}

type callbackResolver struct {
	mu   sync.Mutex
	cfg  CallbackConfig
	addr func() ([]net.Addr, error)
}

func newCallbackResolver(cfg CallbackConfig) *callbackResolver {
	addrs := cfg.InterfaceAddrs
	if addrs == nil {
		addrs = net.InterfaceAddrs
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	return &callbackResolver{cfg: cfg, addr: addrs}
}

// SetCallbackPort records the port the callback server actually bound.
func (r *Registry) SetCallbackPort(port int) {
	r.callback.mu.Lock()
	r.callback.cfg.Port = port
	r.callback.mu.Unlock()
}

// CallbackURL returns the event callback URL a device at deviceAddr should
// use: an address on the local interface sharing its subnet, else the
// configured host, else the first non-loopback IPv4 address. It is empty
// when the port is unknown or no address qualifies.
func (r *Registry) CallbackURL(deviceAddr string) string {
	return r.callback.url(deviceAddr)
}

func (c *callbackResolver) url(deviceAddr string) string {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()
	if cfg.Port <= 0 {
		return ""
	}
	host := c.host(deviceAddr, cfg.Host)
	if host == "" {
		return ""
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + cfg.Path
}

func (c *callbackResolver) host(deviceAddr string, configured string) string {
	addrs, err := c.addr()
	if err != nil {
		addrs = nil
	}
	if ip := net.ParseIP(hostOnly(deviceAddr)); ip != nil {
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() != ip.IsLoopback() {
				continue
			}
			if ipnet.Contains(ip) {
				return ipnet.IP.String()
			}
		}
	}
	if configured != "" {
		return configured
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
