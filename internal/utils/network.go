package utils

import (
	"fmt"
	"net"
)

// LocalIPv4 lists the IPv4 addresses of every non-loopback interface that is up.
func LocalIPv4() []string {
	var ips []string

	ifaces, err := net.Interfaces()
	if err != nil {
		return ips
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				ips = append(ips, ip4.String())
			}
		}
	}

	return ips
}

func HTTPURL(host string, port int) string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(port)))
}

// NetworkURLs maps each local address to an http URL on port.
func NetworkURLs(port int) []string {
	ips := LocalIPv4()
	urls := make([]string, 0, len(ips))
	for _, ip := range ips {
		urls = append(urls, HTTPURL(ip, port))
	}
	return urls
}
