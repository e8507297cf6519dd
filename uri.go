package coap

import (
	"net/url"
	"strconv"
	"strings"
)

// SetURI decomposes a coap:// or coaps:// URI into the Uri-Host,
// Uri-Port, Uri-Path, and Uri-Query options of m, per RFC 7252 §6.4.
// Uri-Host is set whenever the URI names a host and Uri-Port whenever it
// names a port explicitly; neither is elided when it matches the
// destination address, which is left to the caller if desired.
func SetURI(m *Message, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return wrap(err, "coap: invalid URI")
	}
	if u.Scheme != "" && u.Scheme != "coap" && u.Scheme != "coaps" {
		return wrapf(ErrMalformedMessage, "unsupported URI scheme %q", u.Scheme)
	}

	if host := u.Hostname(); host != "" {
		m.SetOption(URIHost, host)
	}
	if port := u.Port(); port != "" {
		if p, err := strconv.ParseUint(port, 10, 16); err == nil {
			m.SetOption(URIPort, uint32(p))
		}
	}

	path := strings.Trim(u.EscapedPath(), "/")
	m.RemoveOption(URIPath)
	if path != "" {
		for _, seg := range strings.Split(path, "/") {
			seg, _ = url.PathUnescape(seg)
			m.AddOption(URIPath, seg)
		}
	}

	m.RemoveOption(URIQuery)
	if u.RawQuery != "" {
		for _, seg := range strings.Split(u.RawQuery, "&") {
			m.AddOption(URIQuery, seg)
		}
	}
	return nil
}

// URI reassembles a coap:// URI from m's Uri-* options. scheme should be
// "coap" or "coaps".
func URI(m Message, scheme string) string {
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")

	host, _ := m.String(URIHost)
	if host == "" {
		host = "localhost"
	}
	b.WriteString(host)

	if port, ok := m.Uint(URIPort); ok {
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(uint64(port), 10))
	}

	b.WriteByte('/')
	b.WriteString(m.PathString())

	if qs := m.optionStrings(URIQuery); len(qs) > 0 {
		b.WriteByte('?')
		b.WriteString(strings.Join(qs, "&"))
	}
	return b.String()
}
