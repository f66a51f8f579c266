// Package netutil resolves the address clients on the local network should
// use to reach the service.
package netutil

import (
	"net"
	"strconv"
)

// LocalIP returns the outbound IPv4 address of this host. It falls back to the
// first non-loopback interface address and finally to 127.0.0.1.
func LocalIP() string {
	// 通过 UDP 连接获取出口 IP，不会发送数据
	if conn, err := net.Dial("udp", "8.8.8.8:80"); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsUnspecified() {
			return addr.IP.String()
		}
	}

	ifaces, _ := net.Interfaces()
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}

// AdvertiseAddr turns a listen address into one a client can dial. Wildcard
// hosts are replaced with LocalIP.
func AdvertiseAddr(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = LocalIP()
	}
	return net.JoinHostPort(host, port)
}

// ListenAddr joins host and port for net.Listen
func ListenAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
