package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/mbd888/fieldguard/internal/faults"
)

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL checks that a notification endpoint is safe to call
// from the server. Private, loopback, link-local and unspecified addresses
// are rejected, both as literals and after DNS resolution.
func ValidateEndpointURL(rawURL string) error {
	return validateEndpoint(rawURL, false)
}

// ValidateEndpointURLAllowPrivate is ValidateEndpointURL for development,
// where supervisors' receivers usually run on localhost.
func ValidateEndpointURLAllowPrivate(rawURL string) error {
	return validateEndpoint(rawURL, true)
}

func validateEndpoint(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", faults.ErrValidation)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: URL scheme must be http or https", faults.ErrValidation)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: URL must have a host", faults.ErrValidation)
	}
	if allowPrivate {
		return nil
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: URL host %q is not allowed", faults.ErrValidation, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve URL host: %s", faults.ErrValidation, host)
	}
	for _, s := range ips {
		if resolved := net.ParseIP(s); resolved != nil {
			if err := checkIP(resolved); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback addresses are not allowed", faults.ErrValidation)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private addresses are not allowed", faults.ErrValidation)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local addresses are not allowed", faults.ErrValidation)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified addresses are not allowed", faults.ErrValidation)
	}
	return nil
}
