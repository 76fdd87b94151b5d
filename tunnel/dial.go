package tunnel

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"
)

// Shared address space (RFC 6598). Tailnet peers live here.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// PublicDialer returns a DialFunc that only connects to publicly routable
// addresses. The check runs on the resolved address, after DNS.
func PublicDialer(timeout time.Duration) DialFunc {
	d := &net.Dialer{
		Timeout:        timeout,
		KeepAlive:      30 * time.Second,
		ControlContext: checkPublic,
	}
	return d.DialContext
}

// CheckPublicAddr reports whether addr may be dialed by an engine.
func CheckPublicAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	if !addr.IsGlobalUnicast() || addr.IsPrivate() || sharedAddressSpace.Contains(addr) {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, addr)
	}
	return nil
}

func checkPublic(_ context.Context, _, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	return CheckPublicAddr(addr)
}
