package httpchannel

import (
	"context"
	"errors"
	"net"

	"github.com/sammck-go/muxchan/pkg/channel"
)

// Disconnect codes reported for failed exchanges. They follow libcurl's
// CURLcode numbering so existing callers can keep their code tables.
const (
	CodeResolve = 6
	CodeConnect = 7
	CodeTimeout = 28
	CodeAborted = 42
	CodeSend    = 55
	CodeRecv    = 56
)

// disconnectFor classifies a failed exchange
func disconnectFor(err error) *channel.Disconnect {
	return &channel.Disconnect{Code: codeFor(err), Error: err.Error()}
}

func codeFor(err error) int {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return CodeTimeout
		}
		return CodeResolve
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "proxyconnect":
			return CodeConnect
		case "write":
			return CodeSend
		}
	}
	if errors.Is(err, context.Canceled) {
		return CodeAborted
	}
	return CodeRecv
}
