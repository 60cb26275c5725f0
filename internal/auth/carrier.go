package auth

import (
	"net/http"
	"strings"
)

// Carrier exposes request credentials independently of the transport.
type Carrier interface {
	Header(name string) string
	Cookie(name string) string
}

// RequestCarrier adapts an HTTP request.
func RequestCarrier(r *http.Request) Carrier { return httpCarrier{r: r} }

type httpCarrier struct{ r *http.Request }

func (c httpCarrier) Header(name string) string {
	if c.r == nil {
		return ""
	}
	return strings.TrimSpace(c.r.Header.Get(name))
}

func (c httpCarrier) Cookie(name string) string {
	if c.r == nil || name == "" {
		return ""
	}
	ck, err := c.r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(ck.Value)
}

// MapCarrier is a Carrier over plain maps, used by non-HTTP transports and tests.
type MapCarrier struct {
	Headers map[string]string
	Cookies map[string]string
}

func (c MapCarrier) Header(name string) string {
	if v, ok := c.Headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range c.Headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func (c MapCarrier) Cookie(name string) string {
	return strings.TrimSpace(c.Cookies[name])
}
