package media

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// CheckOrigin refuses origins that capture APIs reject regardless of
// permission state: a literal public IP address served without TLS.
// Host names, loopback and private ranges are allowed.
func CheckOrigin(origin string) error {
	if origin == "" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return nil
	}
	if strings.EqualFold(u.Scheme, "https") {
		return nil
	}

	addr, err := netip.ParseAddr(u.Hostname())
	if err != nil {
		return nil
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() {
		return nil
	}

	return newMediaError(KindHTTPSRequired,
		fmt.Sprintf("the lesson is served from %s over %s", addr, u.Scheme),
		ErrInsecureContext)
}
