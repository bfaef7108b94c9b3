package dns

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// PlatformOptions tune the configurator built for the host.
type PlatformOptions struct {
	// SearchDomains are appended after the catch-all routing domain where
	// the backend supports per-link domains. Normalise them first.
	SearchDomains []string
}

// NormalizeSearchDomains validates domain names and returns them lower case
// without the trailing dot. The root domain is rejected: it is always
// configured as the catch-all routing domain.
func NormalizeSearchDomains(domains []string) ([]string, error) {
	out := make([]string, 0, len(domains))
	for _, domain := range domains {
		domain = strings.TrimSpace(domain)
		if domain == "" {
			continue
		}
		if _, ok := dns.IsDomainName(domain); !ok {
			return nil, fmt.Errorf("invalid search domain %q", domain)
		}
		canonical := dns.CanonicalName(domain)
		if canonical == RootZone {
			return nil, fmt.Errorf("search domain %q is the root zone", domain)
		}
		out = append(out, strings.TrimSuffix(canonical, "."))
	}
	return out, nil
}
