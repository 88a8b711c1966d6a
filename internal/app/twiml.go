package app

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// TwiML response for the carrier's voice webhook: connect the call to the
// media-stream endpoint and pass call identity as stream parameters, which
// come back in the start event's customParameters.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// handleIncomingCall answers the carrier's voice webhook. The webhook is
// configured per tenant with ?tenant_id=... on the URL; caller and callee
// numbers come from the standard form fields.
func (a *App) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	streamURL, err := mediaStreamURL(a.cfg.Server.PublicBaseURL)
	if err != nil {
		a.logger.Error("public base url unusable", "error", err)
		http.Error(w, "misconfigured", http.StatusInternalServerError)
		return
	}

	doc := twimlResponse{Connect: twimlConnect{Stream: twimlStream{
		URL: streamURL,
		Parameters: []twimlParameter{
			{Name: "tenant_id", Value: r.URL.Query().Get("tenant_id")},
			{Name: "caller_number", Value: r.FormValue("From")},
			{Name: "callee_number", Value: r.FormValue("To")},
		},
	}}}

	body, err := xml.Marshal(doc)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	fmt.Fprint(w, xml.Header)
	w.Write(body)
}

// mediaStreamURL converts the public base URL into the WebSocket address of
// the media-stream endpoint.
func mediaStreamURL(base string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("server.public_base_url is not set")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse public base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "wss", "ws":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/media-stream"
	return u.String(), nil
}
