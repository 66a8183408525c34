package gateway

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the gateway Client from flags.
func Configured() *Client {
	host := lflag.RequiredString("gateway-host", "Hostname or host:port of the local gateway websocket (default port 8080)")
	username := lflag.String("gateway-username", "admin", "Username for the local gateway login")
	password := lflag.String("gateway-password", "", "Password for the local gateway login")
	serial := lflag.String("gateway-serial", "", "Gateway serial number (discovered during login when empty)")
	timeout := lflag.Duration("gateway-response-timeout", DefaultResponseTimeout, "How long to wait for a gateway response")

	c := &Client{responseTimeout: DefaultResponseTimeout}
	lflag.Do(func() {
		h, p, err := splitHostPort(*host)
		if err != nil {
			panic(fmt.Sprintf("invalid gateway-host: %v", err))
		}
		c.host = h
		c.port = p
		c.username = *username
		c.password = *password
		c.serial = *serial
		if *timeout > 0 {
			c.responseTimeout = *timeout
		}
	})
	return c
}

func splitHostPort(addr string) (string, int, error) {
	if !strings.Contains(addr, ":") {
		return addr, DefaultPort, nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
