package middleware

import (
	"bytes"

	"github.com/valyala/fasthttp"
)

var (
	realIPHeader    = []byte("X-Real-IP")
	forwardedHeader = []byte("X-Forwarded-For")
	commaBytes      = []byte(",")
)

// ClientID identifies the caller for rate limiting: the subject stored by
// AuthMiddleware, else the real client address. Request headers never name
// the subject.
func ClientID(ctx *fasthttp.RequestCtx) string {
	if subject := Subject(ctx); subject != "" {
		return "user:" + subject
	}
	return "ip:" + RealIP(ctx)
}

func RealIP(ctx *fasthttp.RequestCtx) string {
	if realIP := bytes.TrimSpace(ctx.Request.Header.PeekBytes(realIPHeader)); len(realIP) > 0 {
		return string(realIP)
	}

	if forwarded := ctx.Request.Header.PeekBytes(forwardedHeader); len(forwarded) > 0 {
		if comma := bytes.Index(forwarded, commaBytes); comma > 0 {
			return string(bytes.TrimSpace(forwarded[:comma]))
		}
		return string(bytes.TrimSpace(forwarded))
	}

	return ctx.RemoteIP().String()
}
