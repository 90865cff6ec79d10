package main

import (
	"fmt"
	"net"
	"strings"
)

// listenerURL renders a bound address the way operators paste it into clients:
// wildcard hosts become localhost and the scheme names the listener kind.
func listenerURL(scheme, address string) string {
	if scheme == "" {
		scheme = "udp"
	}
	return fmt.Sprintf("%s://%s", scheme, normaliseHostPort(address))
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	host = strings.TrimSpace(host)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
