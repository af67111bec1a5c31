package netutil

import (
	"net"
	"net/url"

	"github.com/pkg/errors"
	"golang.org/x/net/idna"
)

const maxDomainNameLength = 253

// ValidateHttpUrl validates a URL for an HTTP scheme. Loopback hosts are
// accepted over plain HTTP, even when a secure connection is required.
func ValidateHttpUrl(value string, requireSecureConnection bool) (*url.URL, error) {
	parsed, err := url.Parse(value)
	if err != nil {
		return nil, errors.Wrap(err, "url is not parseable")
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.New("url scheme must be http or https")
	}

	hostname := parsed.Hostname()
	if len(hostname) == 0 {
		return nil, errors.New("host component missing")
	}

	isLoopback := hostname == "localhost"
	if ip := net.ParseIP(hostname); ip != nil {
		isLoopback = ip.IsLoopback()
	} else if err := ValidateDomainName(hostname); err != nil {
		return nil, errors.Wrap(err, "host is not a valid domain name")
	}

	if requireSecureConnection && parsed.Scheme != "https" && !isLoopback {
		return nil, errors.New("url scheme must be https")
	}

	return parsed, nil
}

// ValidateDomainName checks value is a registrable IDNA domain name
func ValidateDomainName(value string) error {
	switch {
	case len(value) == 0:
		return errors.New("domain name is empty")
	case len(value) > maxDomainNameLength:
		return errors.Errorf("domain name exceeds %d characters", maxDomainNameLength)
	}

	_, err := idna.Registration.ToASCII(value)
	return errors.Wrap(err, "domain name is invalid")
}
