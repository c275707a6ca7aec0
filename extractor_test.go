package bifrost

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractClientInfo(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		wantIP     string
	}{
		{
			name:       "forwarded for takes the first entry",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"},
			remoteAddr: "10.0.0.1:5555",
			wantIP:     "203.0.113.9",
		},
		{
			name:       "invalid forwarded for falls through to real ip",
			headers:    map[string]string{"X-Forwarded-For": "garbage", "X-Real-IP": "198.51.100.4"},
			remoteAddr: "10.0.0.1:5555",
			wantIP:     "198.51.100.4",
		},
		{
			name:       "cloudflare header",
			headers:    map[string]string{"CF-Connecting-IP": "2001:db8::1"},
			remoteAddr: "10.0.0.1:5555",
			wantIP:     "2001:db8::1",
		},
		{
			name:       "remote addr",
			remoteAddr: "192.0.2.10:443",
			wantIP:     "192.0.2.10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ExtractClientInfo(r).IP; got != tt.wantIP {
				t.Errorf("IP = %q, want %q", got, tt.wantIP)
			}
		})
	}
}

func TestExtractClientInfoUserAgent(t *testing.T) {
	tests := []struct {
		name       string
		ua         string
		wantDevice string
		wantAgent  string
	}{
		{
			name:       "desktop chrome",
			ua:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			wantDevice: "desktop",
			wantAgent:  "Chrome",
		},
		{
			name:       "mobile safari",
			ua:         "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			wantDevice: "mobile",
		},
		{
			name:       "bot",
			ua:         "Googlebot/2.1 (+http://www.google.com/bot.html)",
			wantDevice: "bot",
		},
		{
			name:       "no user agent",
			ua:         "",
			wantDevice: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.Header.Set("User-Agent", tt.ua)

			info := ExtractClientInfo(r)
			if info.DeviceType != tt.wantDevice {
				t.Errorf("DeviceType = %q, want %q", info.DeviceType, tt.wantDevice)
			}
			if !strings.Contains(info.Agent, tt.wantAgent) {
				t.Errorf("Agent = %q, want it to contain %q", info.Agent, tt.wantAgent)
			}
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1":   true,
		"10.1.2.3":    true,
		"172.16.5.4":  true,
		"192.168.1.1": true,
		"fd00::1":     true,
		"8.8.8.8":     false,
		"172.32.0.1":  false,
		"not-an-ip":   false,
	}
	for ip, want := range tests {
		if got := IsPrivateIP(ip); got != want {
			t.Errorf("IsPrivateIP(%q) = %v, want %v", ip, got, want)
		}
	}
}

func TestClientInfoContext(t *testing.T) {
	if _, ok := ClientInfoFrom(context.Background()); ok {
		t.Error("empty context should carry no client info")
	}

	ctx := WithClientInfo(context.Background(), ClientInfo{IP: "8.8.8.8", Agent: "curl"})
	info, ok := ClientInfoFrom(ctx)
	if !ok || info.IP != "8.8.8.8" || info.Agent != "curl" {
		t.Errorf("Unexpected client info %+v, %v", info, ok)
	}
}
