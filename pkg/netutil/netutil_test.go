package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		name     string
		ip       string
		expected bool
	}{
		{"10.0.0.0/8 start", "10.0.0.1", true},
		{"172.16.0.0/12 middle", "172.20.0.1", true},
		{"172.16.0.0/12 end", "172.31.255.254", true},
		{"192.168.0.0/16", "192.168.1.10", true},
		{"CGNAT", "100.64.0.1", true},
		{"Link-local", "169.254.1.1", true},

		{"Public IP 1", "8.8.8.8", false},
		{"Public IP 2", "203.0.113.1", false},
		{"Outside 172 range low", "172.15.255.254", false},
		{"Outside 172 range high", "172.32.0.1", false},
		{"Outside CGNAT", "100.128.0.1", false},

		{"IPv6 ULA", "fd00::1", true},
		{"IPv6 link-local", "fe80::1", true},
		{"IPv6 public", "2001:db8::1", false},

		{"Nil IP", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ip net.IP
			if tt.ip != "" {
				ip = net.ParseIP(tt.ip)
				require.NotNil(t, ip)
			}
			assert.Equal(t, tt.expected, IsPrivateIP(ip))
		})
	}
}

func TestGetLocalAddresses(t *testing.T) {
	addresses, err := GetLocalAddresses()
	require.NoError(t, err)

	for _, addr := range addresses {
		assert.False(t, addr.IsLoopback(), "loopback address returned: %s", addr)
	}
}

func TestCreateUDPSocket(t *testing.T) {
	conn, err := CreateUDPSocket(0)
	require.NoError(t, err)
	defer conn.Close()

	assert.NotZero(t, LocalPort(conn))

	_, err = CreateUDPSocket(-1)
	assert.Error(t, err)
}

func TestCreateUDPSocketPortInUse(t *testing.T) {
	first, err := CreateUDPSocket(0)
	require.NoError(t, err)
	defer first.Close()

	_, err = CreateUDPSocket(LocalPort(first))
	assert.Error(t, err)
}

func TestResolveUDPAddr(t *testing.T) {
	addr, err := ResolveUDPAddr("127.0.0.1:3478")
	require.NoError(t, err)
	assert.Equal(t, 3478, addr.Port)

	_, err = ResolveUDPAddr(":3478")
	assert.Error(t, err)
}
