package httpclient

import (
	"net"
	"net/url"
	"strings"

	"github.com/teranos/groupcast/errors"
)

// ValidatePublicURL checks that raw is an absolute http(s) URL pointing at a
// public host. Media URLs are fetched by the gateway, so internal addresses
// are refused.
func ValidatePublicURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := checkPublic(u); err != nil {
		return nil, err
	}
	return u, nil
}

func checkPublic(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errors.Newf("scheme %q not allowed (allowed: http, https)", scheme)
	}
	// http://evil.com@localhost/ style confusion
	if u.User != nil || strings.Contains(u.Host, "@") {
		return errors.New("URL contains credentials")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if isLocalhost(host) {
		return errors.New("localhost access blocked")
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return errors.Newf("private IP address blocked: %s", host)
	}
	return nil
}

var blockedV4 = []*net.IPNet{
	mustCIDR("0.0.0.0/8"),
	mustCIDR("100.64.0.0/10"), // carrier-grade NAT
	mustCIDR("224.0.0.0/4"),
	mustCIDR("240.0.0.0/4"),
}

var docV6 = mustCIDR("2001:db8::/32")

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		for _, n := range blockedV4 {
			if n.Contains(ip4) {
				return true
			}
		}
		return false
	}
	// fec0::/10 site-local is deprecated but still routable on some networks
	if ip[0] == 0xfe && ip[1]&0xc0 == 0xc0 {
		return true
	}
	return docV6.Contains(ip)
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}
