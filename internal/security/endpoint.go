package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnsafeEndpoint is wrapped by every ValidateEndpointURL rejection.
var ErrUnsafeEndpoint = errors.New("unsafe endpoint")

// lookupHost is swapped in tests.
var lookupHost = net.LookupHost

// ValidateEndpointURL checks that a caller-supplied URL (a webhook target)
// is safe for the server to POST to. Private, loopback, link-local and
// unspecified addresses are rejected, both as literals and after DNS
// resolution.
func ValidateEndpointURL(rawURL string) error {
	if err := validateEndpoint(rawURL); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeEndpoint, err)
	}
	return nil
}

func validateEndpoint(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("URL scheme must be http or https")
	}

	if u.Host == "" {
		return errors.New("URL must have a host")
	}

	host := u.Hostname()

	// Block known internal hostnames
	blocked := []string{"localhost", "metadata.google.internal", "metadata.google"}
	for _, b := range blocked {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	// Block private/loopback/link-local IP literals
	ip := net.ParseIP(host)
	if ip != nil {
		if err := checkIP(ip); err != nil {
			return err
		}
		return nil // IP literal checked, no DNS resolution needed
	}

	// Resolve hostname and check all resolved IPs
	ips, err := lookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, ipStr := range ips {
		resolved := net.ParseIP(ipStr)
		if resolved != nil {
			if err := checkIP(resolved); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
			}
		}
	}

	return nil
}

func checkIP(ip net.IP) error {
	if ip.IsLoopback() {
		return errors.New("loopback addresses are not allowed")
	}
	if ip.IsPrivate() {
		return errors.New("private addresses are not allowed")
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return errors.New("link-local addresses are not allowed")
	}
	if ip.IsUnspecified() {
		return errors.New("unspecified addresses are not allowed")
	}
	return nil
}
