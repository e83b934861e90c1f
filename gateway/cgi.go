package gateway

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

// hopHeaders are not forwarded in either direction.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// cgiHeaders builds the CGI meta-variables describing r. Variables with empty values are left
// out, since a header block cannot carry them.
func cgiHeaders(r *http.Request) map[string]string {
	env := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"REQUEST_METHOD":    r.Method,
		"SERVER_PROTOCOL":   r.Proto,
		"SERVER_SOFTWARE":   "apppool",
		"REQUEST_URI":       r.URL.RequestURI(),
		"PATH_INFO":         r.URL.Path,
		"QUERY_STRING":      r.URL.RawQuery,
		"CONTENT_TYPE":      r.Header.Get("Content-Type"),
	}
	if r.ContentLength >= 0 {
		env["CONTENT_LENGTH"] = strconv.FormatInt(r.ContentLength, 10)
	}
	if host, port, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		env["REMOTE_ADDR"] = host
		env["REMOTE_PORT"] = port
	}
	if host, port, err := net.SplitHostPort(r.Host); err == nil {
		env["SERVER_NAME"] = host
		env["SERVER_PORT"] = port
	} else {
		env["SERVER_NAME"] = r.Host
	}
	if r.Host != "" {
		env["HTTP_HOST"] = r.Host
	}
	if r.TLS != nil {
		env["HTTPS"] = "on"
	}

	for name, values := range r.Header {
		if hopHeaders[name] || name == "Content-Type" || name == "Content-Length" {
			continue
		}
		key := "HTTP_" + strings.Map(upperCaseAndUnderscore, name)
		env[key] = strings.Join(values, ", ")
	}

	for k, v := range env {
		if v == "" || strings.IndexByte(v, 0) >= 0 {
			delete(env, k)
		}
	}
	return env
}

func upperCaseAndUnderscore(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z':
		return r - ('a' - 'A')
	case r == '-', r == '=':
		return '_'
	}
	return r
}
