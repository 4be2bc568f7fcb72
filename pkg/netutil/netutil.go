package netutil

import (
	"fmt"
	"net"
)

// SocketBufferSize is applied to both directions of sockets from CreateUDPSocket.
const SocketBufferSize = 64 * 1024

// GetLocalAddresses returns all non-loopback local IP addresses
func GetLocalAddresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var addresses []net.IP
	for _, iface := range ifaces {
		// Skip loopback and down interfaces
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip == nil || ip.IsLoopback() {
				continue
			}

			addresses = append(addresses, ip)
		}
	}

	return addresses, nil
}

// IsPrivateIP checks if an IP address is in a private range
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}

	if ip4 := ip.To4(); ip4 != nil {
		// 10.0.0.0/8
		if ip4[0] == 10 {
			return true
		}
		// 172.16.0.0/12
		if ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31 {
			return true
		}
		// 192.168.0.0/16
		if ip4[0] == 192 && ip4[1] == 168 {
			return true
		}
		// 100.64.0.0/10 (carrier-grade NAT)
		if ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
			return true
		}
		// 169.254.0.0/16 (link-local)
		if ip4[0] == 169 && ip4[1] == 254 {
			return true
		}
		return false
	}

	// fc00::/7 (unique local addresses)
	if len(ip) == net.IPv6len && ip[0] >= 0xfc && ip[0] <= 0xfd {
		return true
	}

	// fe80::/10 (link-local)
	if len(ip) == net.IPv6len && ip[0] == 0xfe && ip[1] >= 0x80 && ip[1] <= 0xbf {
		return true
	}

	return false
}

// CreateUDPSocket creates a UDP socket bound to the specified port on all
// interfaces. If port is 0, the system assigns an available port.
func CreateUDPSocket(port int) (*net.UDPConn, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}

	// Best effort, some platforms cap these.
	_ = conn.SetReadBuffer(SocketBufferSize)
	_ = conn.SetWriteBuffer(SocketBufferSize)

	return conn, nil
}

// LocalPort returns the port a packet connection is bound to, or 0.
func LocalPort(conn net.PacketConn) int {
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return ua.Port
	}
	return 0
}

// GetPreferredLocalAddress returns the preferred local address for external communication
// It attempts to determine which local address would be used for internet connectivity
func GetPreferredLocalAddress() (net.IP, error) {
	// Connecting a UDP socket sends nothing; it only selects a route.
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		addresses, err := GetLocalAddresses()
		if err != nil {
			return nil, err
		}
		if len(addresses) > 0 {
			return addresses[0], nil
		}
		return nil, fmt.Errorf("no local addresses found")
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP, nil
}

// ResolveUDPAddr resolves an IPv4 UDP address and rejects one without a host.
func ResolveUDPAddr(addr string) (*net.UDPAddr, error) {
	resolved, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address %q: %w", addr, err)
	}

	if resolved.IP == nil {
		return nil, fmt.Errorf("resolved address has no IP: %s", addr)
	}

	return resolved, nil
}
