package gateway

import (
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// corsOrigin computes the value to reflect back in Access-Control-Allow-Origin
// for a cross-origin browser request, or "" if the request's Origin should
// not be allowed. An Origin is accepted if its registrable domain (eTLD+1)
// matches one of the configured allowed domains, which lets browser
// clients on subdomains reach the coordinator without listing every
// hostname explicitly.
func corsOrigin(r *http.Request, allowedDomains []string) string {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return ""
	}
	if len(allowedDomains) == 0 {
		return origin
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	top, err := publicsuffix.EffectiveTLDPlusOne(u.Hostname())
	if err != nil {
		top = u.Hostname()
	}
	for _, allowed := range allowedDomains {
		if strings.EqualFold(top, allowed) || strings.EqualFold(u.Hostname(), allowed) {
			return origin
		}
	}
	return ""
}

func writeCORSHeaders(w http.ResponseWriter, r *http.Request, allowedDomains []string) {
	if v := corsOrigin(r, allowedDomains); v != "" {
		w.Header().Set("Access-Control-Allow-Origin", v)
		w.Header().Set("Vary", "Origin")
	}
}
