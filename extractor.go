package bifrost

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
)

// ExtractClientInfo extracts caller information from an HTTP request.
func ExtractClientInfo(r *http.Request) ClientInfo {
	ua := r.UserAgent()
	agent, deviceType := summarizeUserAgent(ua)

	return ClientInfo{
		IP:         extractIP(r),
		UserAgent:  ua,
		Agent:      agent,
		DeviceType: deviceType,
	}
}

// summarizeUserAgent renders "Browser version / OS version" and classifies
// the device.
func summarizeUserAgent(ua string) (agent, deviceType string) {
	if ua == "" {
		return "", ""
	}

	parsed := useragent.New(ua)
	browser, browserVersion := parsed.Browser()
	if browserVersion != "" {
		browser = browser + " " + browserVersion
	}

	osInfo := parsed.OSInfo()
	os := osInfo.Name
	if osInfo.Version != "" {
		os = os + " " + osInfo.Version
	}

	agent = browser
	if os != "" {
		agent = browser + " / " + os
	}

	switch {
	case parsed.Mobile():
		deviceType = "mobile"
	case parsed.Bot():
		deviceType = "bot"
	case isTablet(ua):
		deviceType = "tablet"
	default:
		deviceType = "desktop"
	}
	return agent, deviceType
}

// extractIP extracts the client IP from an HTTP request.
// It checks common proxy headers first, then falls back to RemoteAddr.
func extractIP(r *http.Request) string {
	// X-Forwarded-For is a comma-separated list, the first entry is the client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if isValidIP(ip) {
			return ip
		}
	}

	for _, header := range []string{"X-Real-IP", "CF-Connecting-IP"} {
		if v := r.Header.Get(header); v != "" {
			ip := strings.TrimSpace(v)
			if isValidIP(ip) {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}
	return host
}

func isValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}

func isTablet(ua string) bool {
	ua = strings.ToLower(ua)
	for _, keyword := range []string{"ipad", "tablet", "playbook", "silk"} {
		if strings.Contains(ua, keyword) {
			return true
		}
	}
	return false
}

var privateNetworks = func() []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "fc00::/7"} {
		_, n, err := net.ParseCIDR(cidr)
		if err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}()

// IsPrivateIP returns true if the IP is loopback or in a private range.
func IsPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	if parsed.IsLoopback() {
		return true
	}
	for _, n := range privateNetworks {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

type clientInfoKey struct{}

// WithClientInfo attaches caller information to ctx. Gateway operations use
// it to enrich audit records.
func WithClientInfo(ctx context.Context, info ClientInfo) context.Context {
	return context.WithValue(ctx, clientInfoKey{}, info)
}

// ClientInfoFrom returns the caller information attached to ctx, if any.
func ClientInfoFrom(ctx context.Context) (ClientInfo, bool) {
	info, ok := ctx.Value(clientInfoKey{}).(ClientInfo)
	return info, ok
}
