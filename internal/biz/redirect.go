package biz

import (
	"net/url"
	"strings"
)

// IsValidRedirectURL 防开放重定向：只允许与 serverHostname 同主机名，或 localhost。
func IsValidRedirectURL(raw, serverHostname string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}

	s, err := url.Parse(serverHostname)
	if err != nil || s.Hostname() == "" {
		return false
	}
	return strings.EqualFold(host, s.Hostname())
}
