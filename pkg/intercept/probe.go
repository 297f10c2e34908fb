package intercept

import (
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/srediag/tssx/pkg/config"
)

// Probe decides whether a peer takes part in shared-memory transport. Only
// same-host addresses can: unix sockets and loopback IP addresses. Both
// ends of a connection must run with the same server list, otherwise the
// connecting side waits for a handshake that never comes.
type Probe struct {
	all   bool
	paths map[string]struct{}
	inet  map[string]struct{}
}

// NewProbe enrolls the given servers: unix socket paths ("@name" for the
// abstract namespace) and host:port pairs on loopback. "*" enrolls every
// same-host address. Entries that are neither are ignored.
func NewProbe(servers []string) *Probe {
	p := &Probe{paths: map[string]struct{}{}, inet: map[string]struct{}{}}
	for _, s := range servers {
		s = strings.TrimSpace(s)
		switch {
		case s == config.Wildcard:
			p.all = true
		case strings.HasPrefix(s, "/") || strings.HasPrefix(s, "@"):
			p.paths[s] = struct{}{}
		default:
			host, port, err := net.SplitHostPort(s)
			if err != nil {
				logger.Warnf("ignoring server entry %q: %v", s, err)
				continue
			}
			if host == "localhost" || host == "" {
				p.inet[net.JoinHostPort("127.0.0.1", port)] = struct{}{}
				p.inet[net.JoinHostPort("::1", port)] = struct{}{}
				continue
			}
			ip := net.ParseIP(host)
			if ip == nil || !ip.IsLoopback() {
				logger.Warnf("ignoring server entry %q: not a loopback address", s)
				continue
			}
			p.inet[net.JoinHostPort(ip.String(), port)] = struct{}{}
		}
	}
	return p
}

// Enabled reports whether any address is enrolled.
func (p *Probe) Enabled() bool {
	return p.all || len(p.paths) > 0 || len(p.inet) > 0
}

// Supports reports whether sa belongs to an enrolled same-host server.
func (p *Probe) Supports(sa unix.Sockaddr) bool {
	switch a := sa.(type) {
	case *unix.SockaddrUnix:
		if a.Name == "" {
			return false
		}
		if p.all {
			return true
		}
		_, ok := p.paths[a.Name]
		return ok
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return p.inet4or6(ip, a.Port)
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return p.inet4or6(ip, a.Port)
	}
	return false
}

func (p *Probe) inet4or6(ip net.IP, port int) bool {
	if !ip.IsLoopback() {
		return false
	}
	if p.all {
		return true
	}
	_, ok := p.inet[net.JoinHostPort(ip.String(), strconv.Itoa(port))]
	return ok
}
