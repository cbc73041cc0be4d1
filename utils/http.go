package utils

import (
	"github.com/valyala/fasthttp"
)

type ErrorBody struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter *int64 `json:"retryAfter,omitempty"`
}

func WriteJSON(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	data, err := Marshal(body)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"statusCode":500,"error":"Internal Server Error","message":"failed to encode response"}`)
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func CreateErrorResponse(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	if requestID := ctx.Request.Header.Peek("X-Request-ID"); len(requestID) > 0 {
		ctx.Response.Header.SetBytesV("X-Request-ID", requestID)
	}

	WriteJSON(ctx, status, ErrorBody{
		StatusCode: status,
		Error:      fasthttp.StatusMessage(status),
		Message:    message,
	})
}
