package http

import (
	"context"
	"time"
)

type IClient interface {
	DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error
}

// RequestParam describes one call made through IClient.
//
// Body may be nil, an io.Reader, a []byte or any JSON-serialisable value.
// Response may be nil, a *[]byte (raw body) or a pointer to decode JSON into.
type RequestParam struct {
	RequestURI string
	Method     string
	Header     map[string]string
	Body       interface{}
	Response   interface{}

	Timeout time.Duration
}
