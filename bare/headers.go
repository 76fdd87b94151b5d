package bare

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// maxHeaderValue is the longest x-bare-headers value sent in one header.
// Longer values are split across x-bare-headers-N.
const maxHeaderValue = 3072

var (
	forbiddenSendHeaders    = []string{"connection", "content-length", "transfer-encoding"}
	forbiddenForwardHeaders = []string{"connection", "transfer-encoding", "host", "origin", "referer"}
	forbiddenPassHeaders    = []string{
		"vary", "connection", "transfer-encoding",
		"access-control-allow-headers", "access-control-allow-methods",
		"access-control-expose-headers", "access-control-max-age",
		"access-control-request-headers", "access-control-request-method",
	}

	defaultForwardHeaders      = []string{"accept-encoding", "accept-language"}
	defaultPassHeaders         = []string{"content-encoding", "content-length", "last-modified"}
	defaultCacheForwardHeaders = []string{"if-modified-since", "if-none-match", "cache-control"}
	defaultCachePassHeaders    = []string{"cache-control", "etag"}

	listSeparator = regexp.MustCompile(`,\s*`)
)

// fetchHeaders is the decoded x-bare-* request metadata.
type fetchHeaders struct {
	remote     *url.URL
	send       http.Header
	pass       []string
	passStatus []int
	forward    []string
}

func readFetchHeaders(r *http.Request) (*fetchHeaders, *Error) {
	h := &fetchHeaders{
		send:    make(http.Header),
		pass:    slices.Clone(defaultPassHeaders),
		forward: slices.Clone(defaultForwardHeaders),
	}
	if cache, _ := strconv.ParseBool(r.URL.Query().Get("cache")); cache {
		h.pass = append(h.pass, defaultCachePassHeaders...)
		h.passStatus = append(h.passStatus, http.StatusNotModified)
		h.forward = append(h.forward, defaultCacheForwardHeaders...)
	}

	headers, berr := joinHeaders(r.Header)
	if berr != nil {
		return nil, berr
	}

	rawURL := headers.Get("X-Bare-Url")
	if rawURL == "" {
		return nil, missingHeader("x-bare-url")
	}
	remote, err := url.Parse(rawURL)
	if err != nil || (remote.Scheme != "http" && remote.Scheme != "https") || remote.Host == "" {
		return nil, invalidHeader("request.headers.x-bare-url", "Invalid URL.")
	}
	h.remote = remote

	rawHeaders := headers.Get("X-Bare-Headers")
	if rawHeaders == "" {
		return nil, missingHeader("x-bare-headers")
	}
	var sendHeaders map[string]any
	if err := json.Unmarshal([]byte(rawHeaders), &sendHeaders); err != nil {
		return nil, invalidHeader("request.headers.x-bare-headers", "Header contained invalid JSON.")
	}
	for name, value := range sendHeaders {
		if slices.Contains(forbiddenSendHeaders, strings.ToLower(name)) {
			continue
		}
		switch v := value.(type) {
		case string:
			h.send.Set(name, v)
		case []any:
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, invalidHeader("bare.headers."+name, "Header value must be a string or an array of strings.")
				}
				h.send.Add(name, s)
			}
		default:
			return nil, invalidHeader("bare.headers."+name, "Header value must be a string or an array of strings.")
		}
	}

	if v := headers.Get("X-Bare-Pass-Status"); v != "" {
		for _, s := range listSeparator.Split(v, -1) {
			code, err := strconv.Atoi(s)
			if err != nil {
				return nil, invalidHeader("request.headers.x-bare-pass-status", "Array contained non-number value.")
			}
			h.passStatus = append(h.passStatus, code)
		}
	}
	if v := headers.Get("X-Bare-Pass-Headers"); v != "" {
		for _, name := range listSeparator.Split(v, -1) {
			name = strings.ToLower(name)
			if slices.Contains(forbiddenPassHeaders, name) {
				return nil, forbiddenHeader("x-bare-pass-headers", "A forbidden header was passed.")
			}
			h.pass = append(h.pass, name)
		}
	}
	if v := headers.Get("X-Bare-Forward-Headers"); v != "" {
		for _, name := range listSeparator.Split(v, -1) {
			name = strings.ToLower(name)
			if slices.Contains(forbiddenForwardHeaders, name) {
				return nil, forbiddenHeader("x-bare-forward-headers", "A forbidden header was forwarded.")
			}
			h.forward = append(h.forward, name)
		}
	}
	return h, nil
}

// forwardHeaders copies the named headers from src to dst when present.
func forwardHeaders(names []string, dst, src http.Header) {
	for _, name := range names {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
}

// splitHeaders spreads an oversized X-Bare-Headers over numbered headers,
// each value prefixed with ";".
func splitHeaders(h http.Header) http.Header {
	value := h.Get("X-Bare-Headers")
	if len(value) <= maxHeaderValue {
		return h
	}
	h.Del("X-Bare-Headers")
	for i := 0; i*maxHeaderValue < len(value); i++ {
		part := value[i*maxHeaderValue : min((i+1)*maxHeaderValue, len(value))]
		h.Set(fmt.Sprintf("X-Bare-Headers-%d", i), ";"+part)
	}
	return h
}

// joinHeaders reassembles X-Bare-Headers-N into X-Bare-Headers.
func joinHeaders(h http.Header) (http.Header, *Error) {
	const prefix = "X-Bare-Headers-"
	type part struct {
		idx   int
		value string
	}
	var parts []part
	for name := range h {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		idx, err := strconv.Atoi(name[len(prefix):])
		if err != nil {
			return nil, invalidHeader("request.headers."+strings.ToLower(name), "Header name has an invalid index.")
		}
		value := h.Get(name)
		if !strings.HasPrefix(value, ";") {
			return nil, invalidHeader("request.headers."+strings.ToLower(name), "Value didn't begin with semi-colon.")
		}
		parts = append(parts, part{idx, value[1:]})
	}
	if len(parts) == 0 {
		return h, nil
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].idx < parts[j].idx })
	out := h.Clone()
	var b strings.Builder
	for _, p := range parts {
		out.Del(prefix + strconv.Itoa(p.idx))
		b.WriteString(p.value)
	}
	out.Set("X-Bare-Headers", b.String())
	return out, nil
}

// encodeHeaders renders upstream response headers as the x-bare-headers
// JSON object. Set-Cookie keeps every value.
func encodeHeaders(h http.Header) (string, error) {
	m := make(map[string]any, len(h))
	for name, values := range h {
		if strings.EqualFold(name, "Set-Cookie") {
			m[name] = values
		} else {
			m[name] = h.Get(name)
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
