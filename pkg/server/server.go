package server

import (
	"net/http"

	internalserver "github.com/SmitUplenchwar2687/Bastion/internal/server"
	"github.com/SmitUplenchwar2687/Bastion/pkg/admission"
	"github.com/SmitUplenchwar2687/Bastion/pkg/recorder"
)

// Server is the Bastion HTTP server.
type Server = internalserver.Server

// Options wires the server to an admission stack.
type Options = internalserver.Options

// Hub manages WebSocket clients and broadcasts admission and block events.
type Hub = internalserver.Hub

// New creates a server listening on addr.
func New(addr string, opts Options) (*Server, error) {
	return internalserver.New(addr, opts)
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return internalserver.NewHub()
}

// Middleware applies admission control to any http.Handler. hub and rec may
// be nil.
func Middleware(p *admission.Pipeline, hub *Hub, rec *recorder.Recorder, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	return internalserver.Middleware(p, hub, rec, opts...)
}

// MiddlewareOption configures Middleware.
type MiddlewareOption = internalserver.MiddlewareOption

// WithClientIPHeaders replaces the headers trusted for the client address.
// Only list headers the proxy in front of the service overwrites.
func WithClientIPHeaders(headers ...string) MiddlewareOption {
	return internalserver.WithClientIPHeaders(headers...)
}

// RequestFromHTTP extracts the admission identity from r.
func RequestFromHTTP(r *http.Request) admission.Request {
	return internalserver.RequestFromHTTP(r)
}
