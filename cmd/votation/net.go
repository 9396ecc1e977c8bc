package main

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// guessIpAddress takes a base IP address and a partial address string,
// and fills in the missing octets from the base address.
func guessIpAddress(baseAddress net.IP, partialAddr string) (net.IP, error) {
	ip := make(net.IP, len(baseAddress))
	copy(ip, baseAddress)
	octets := strings.Split(partialAddr, ".")
	if len(octets) == 1 && octets[0] == "" {
		return ip, nil
	}
	if len(octets) > len(ip) {
		return net.IP{}, fmt.Errorf("too many octets in %q", partialAddr)
	}
	for i := 0; i < len(octets); i++ {
		var octet byte
		_, err := fmt.Sscanf(octets[i], "%d", &octet)
		if err != nil {
			return net.IP{}, err
		}
		ip[len(ip)-len(octets)+i] = octet
	}
	return ip, nil
}

// localIPv4 returns the first IPv4 address of an interface that is up and
// not a loopback.
func localIPv4() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			default:
				continue
			}
			if ip4 := ip.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, errors.New("no IPv4 interface found")
}

// splitHostPort splits an address into host and port, using defaultPort if no port is specified.
func splitHostPort(addr string, defaultPort int) (string, string, error) {
	ipaddr, port, err := net.SplitHostPort(addr)
	if err != nil {
		addr = addr + ":" + strconv.Itoa(defaultPort)
		ipaddr, port, err = net.SplitHostPort(addr)
		if err != nil {
			return "", "", err
		}
	}
	return ipaddr, port, nil
}

// advertisedURL returns the relay URL peers should dial to reach a listener
// bound to addr. An unspecified host is replaced by a local IPv4 address.
func advertisedURL(addr net.Addr) (string, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return "", fmt.Errorf("listener is not TCP")
	}
	ip := tcpAddr.IP
	if ip == nil || ip.IsUnspecified() {
		var err error
		if ip, err = localIPv4(); err != nil {
			return "", err
		}
	}
	return "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(tcpAddr.Port)) + "/", nil
}

// expandRelayURL accepts either a full relay URL or a partial address such
// as "42" or "15.42:9000", whose missing octets are taken from local.
func expandRelayURL(local net.IP, s string, defaultPort int) (string, error) {
	if strings.Contains(s, "://") {
		if _, err := url.Parse(s); err != nil {
			return "", fmt.Errorf("invalid relay URL %q: %w", s, err)
		}
		return s, nil
	}
	host, port, err := splitHostPort(s, defaultPort)
	if err != nil {
		return "", err
	}
	ip, err := guessIpAddress(local.To4(), host)
	if err != nil {
		return "", fmt.Errorf("could not guess relay address %q: %w", s, err)
	}
	return "http://" + net.JoinHostPort(ip.String(), port) + "/", nil
}
