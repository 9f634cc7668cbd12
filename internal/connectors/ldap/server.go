package ldap

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// serverInfo is one directory server the pool may dial.
type serverInfo struct {
	Host   string
	Port   int
	UseTLS bool
}

func (s *serverInfo) URL() string {
	scheme := "ldap"
	if s.UseTLS {
		scheme = "ldaps"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
}

// parseServerURL parses an ldap:// or ldaps:// URL. Missing ports default to
// 389 and 636.
func parseServerURL(raw string) (*serverInfo, error) {
	if raw == "" {
		return nil, errors.New("URL cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	s := &serverInfo{Host: u.Hostname()}
	switch u.Scheme {
	case "ldap":
		s.Port = 389
	case "ldaps":
		s.UseTLS = true
		s.Port = 636
	default:
		return nil, fmt.Errorf("unsupported scheme %q, must be ldap or ldaps", u.Scheme)
	}

	if s.Host == "" {
		return nil, errors.New("host is required")
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q", p)
		}
		s.Port = port
	}

	return s, nil
}
