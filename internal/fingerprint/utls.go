package fingerprint

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// Profile names the TLS ClientHello shape used for content downloads.
type Profile string

const (
	ProfileChrome  Profile = "chrome"
	ProfileFirefox Profile = "firefox"
	ProfileSafari  Profile = "safari"
	ProfileGo      Profile = "go"     // standard go TLS
	ProfileRandom  Profile = "random" // randomized uTLS profile
)

var helloIDs = map[Profile]utls.ClientHelloID{
	ProfileChrome:  utls.HelloChrome_Auto,
	ProfileFirefox: utls.HelloFirefox_Auto,
	ProfileSafari:  utls.HelloIOS_Auto,
	ProfileRandom:  utls.HelloRandomizedNoALPN,
}

// Profiles lists every supported profile name.
func Profiles() []Profile {
	return []Profile{ProfileGo, ProfileChrome, ProfileFirefox, ProfileSafari, ProfileRandom}
}

// ParseProfile accepts a profile name case-insensitively. Empty means ProfileGo.
func ParseProfile(s string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return ProfileGo, nil
	}
	if p == ProfileGo {
		return p, nil
	}
	if _, ok := helloIDs[p]; ok {
		return p, nil
	}
	return "", fmt.Errorf("context: unknown profile %q", s)
}

// Options tune the transport beyond the profile.
type Options struct {
	// InsecureSkipVerify disables certificate checks. Only tests set it.
	InsecureSkipVerify bool
}

// Transport returns an http.RoundTripper for the profile. ProfileGo is a clone
// of http.DefaultTransport (which honours HTTPS_PROXY); the others perform the
// TLS handshake with utls and speak HTTP/1.1 only, since http.Transport cannot
// run h2 over a utls conn.
func Transport(p Profile, opts Options) (http.RoundTripper, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if p == ProfileGo {
		if opts.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // test only
		}
		return transport, nil
	}

	helloID, ok := helloIDs[p]
	if !ok {
		return nil, fmt.Errorf("context: unknown profile %q", p)
	}

	transport.ForceAttemptHTTP2 = false
	dial := transport.DialContext
	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		tcpConn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr // fallback if no port
		}

		uConn, err := newUConn(tcpConn, &utls.Config{
			ServerName:         host,
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // test only
		}, p, helloID)
		if err != nil {
			_ = tcpConn.Close()
			return nil, err
		}
		if err := uConn.HandshakeContext(ctx); err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("context: utls handshake failed: %w", err)
		}

		return uConn, nil
	}

	return transport, nil
}

// newUConn builds the client for one connection. Browser presets advertise h2
// first; their ALPN list is cut down to http/1.1 before the handshake.
func newUConn(conn net.Conn, cfg *utls.Config, p Profile, helloID utls.ClientHelloID) (*utls.UConn, error) {
	if p == ProfileRandom {
		return utls.UClient(conn, cfg, helloID), nil
	}

	spec, err := utls.UTLSIdToSpec(helloID)
	if err != nil {
		return nil, fmt.Errorf("context: utls spec for %s: %w", p, err)
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = http1Only(alpn.AlpnProtocols)
		}
	}

	uConn := utls.UClient(conn, cfg, utls.HelloCustom)
	if err := uConn.ApplyPreset(&spec); err != nil {
		return nil, fmt.Errorf("context: apply utls preset for %s: %w", p, err)
	}
	return uConn, nil
}

func http1Only(protos []string) []string {
	out := make([]string, 0, len(protos))
	for _, proto := range protos {
		if proto != "h2" {
			out = append(out, proto)
		}
	}
	if len(out) == 0 {
		out = append(out, "http/1.1")
	}
	return out
}
