package gateway

import (
	"net/http"

	"github.com/neboloop/bropgw/internal/httputil"
)

// BrowserVersion is the /json/version descriptor.
type BrowserVersion struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// TargetDescriptor is one entry of /json/list.
type TargetDescriptor struct {
	Description          string `json:"description"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// browserWSURL is the browser endpoint as seen from the requesting host.
func (g *Gateway) browserWSURL(r *http.Request) string {
	return "ws://" + r.Host + "/devtools/browser/" + g.browserID
}

func (g *Gateway) handleJSONVersion(w http.ResponseWriter, r *http.Request) {
	httputil.OkJSON(w, BrowserVersion{
		Browser:              g.cfg.Browser.Version,
		ProtocolVersion:      g.cfg.Browser.ProtocolVersion,
		UserAgent:            g.cfg.Browser.UserAgent,
		V8Version:            "12.0.0",
		WebKitVersion:        "537.36",
		WebSocketDebuggerURL: g.browserWSURL(r),
	})
}

// handleJSONList lists one synthetic browser target; real targets are only
// visible through the CDP Target domain.
func (g *Gateway) handleJSONList(w http.ResponseWriter, r *http.Request) {
	httputil.OkJSON(w, []TargetDescriptor{{
		Description:          "BROP gateway browser target",
		ID:                   g.browserID,
		Title:                g.cfg.Browser.Version,
		Type:                 "browser",
		URL:                  "about:blank",
		WebSocketDebuggerURL: g.browserWSURL(r),
	}})
}
