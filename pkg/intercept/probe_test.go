//go:build linux

package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func inet4(a, b, c, d byte, port int) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Addr: [4]byte{a, b, c, d}, Port: port}
}

func TestProbeSupports(t *testing.T) {
	loop6 := &unix.SockaddrInet6{Port: 9000}
	loop6.Addr[15] = 1

	tests := []struct {
		name    string
		servers []string
		sa      unix.Sockaddr
		want    bool
	}{
		{"nothing enrolled", nil, &unix.SockaddrUnix{Name: "/tmp/a.sock"}, false},
		{"listed path", []string{"/tmp/a.sock"}, &unix.SockaddrUnix{Name: "/tmp/a.sock"}, true},
		{"other path", []string{"/tmp/a.sock"}, &unix.SockaddrUnix{Name: "/tmp/b.sock"}, false},
		{"abstract", []string{"@bus"}, &unix.SockaddrUnix{Name: "@bus"}, true},
		{"unnamed", []string{"*"}, &unix.SockaddrUnix{}, false},
		{"wildcard path", []string{"*"}, &unix.SockaddrUnix{Name: "/run/x.sock"}, true},
		{"listed loopback", []string{"127.0.0.1:9000"}, inet4(127, 0, 0, 1, 9000), true},
		{"other port", []string{"127.0.0.1:9000"}, inet4(127, 0, 0, 1, 9001), false},
		{"localhost v4", []string{"localhost:9000"}, inet4(127, 0, 0, 1, 9000), true},
		{"localhost v6", []string{"localhost:9000"}, loop6, true},
		{"wildcard loopback", []string{"*"}, inet4(127, 1, 2, 3, 80), true},
		{"wildcard remote", []string{"*"}, inet4(10, 0, 0, 1, 80), false},
		{"remote entry ignored", []string{"10.0.0.1:80"}, inet4(10, 0, 0, 1, 80), false},
		{"garbage entry ignored", []string{"not an address"}, inet4(127, 0, 0, 1, 80), false},
		{"other family", []string{"*"}, &unix.SockaddrNetlink{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewProbe(tt.servers).Supports(tt.sa))
		})
	}
}

func TestProbeEnabled(t *testing.T) {
	assert.False(t, NewProbe(nil).Enabled())
	assert.False(t, NewProbe([]string{"10.0.0.1:80"}).Enabled())
	assert.True(t, NewProbe([]string{"*"}).Enabled())
	assert.True(t, NewProbe([]string{"/tmp/a.sock"}).Enabled())
	assert.True(t, NewProbe([]string{"[::1]:80"}).Enabled())
}
