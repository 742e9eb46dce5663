package client

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// SanitizeAddress normalizes a node URL into host:port form.
func SanitizeAddress(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("error parsing node URL: %w", err)
	}

	host := u.Host
	if host == "" {
		// bare host:port without a scheme
		host = address
	}

	hostname, port, err := net.SplitHostPort(host)
	if err != nil {
		return "", fmt.Errorf("error splitting host port from parsed URL: %w", err)
	}

	if strings.Contains(hostname, ":") {
		// IPv6 addresses need to be wrapped in brackets
		return fmt.Sprintf("[%s]:%s", hostname, port), nil
	}
	return fmt.Sprintf("%s:%s", hostname, port), nil
}
