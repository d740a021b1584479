package server

import (
	"net"
	"net/http"
	"strings"

	"k8s.io/klog/v2"

	"github.com/SmitUplenchwar2687/Bastion/internal/abuse"
	"github.com/SmitUplenchwar2687/Bastion/internal/admission"
	"github.com/SmitUplenchwar2687/Bastion/internal/recorder"
)

// Identity headers set by the authenticating proxy in front of Bastion.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	HeaderAPIKeyID = "X-API-Key-ID"
	HeaderCountry  = "X-Country"
)

// statusWriter captures the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// DefaultClientIPHeaders are trusted for the client address unless
// configured otherwise.
var DefaultClientIPHeaders = []string{"X-Forwarded-For", "X-Real-IP"}

// NoClientIPHeaders disables header trust when it is the only configured
// header; the connection address is used.
const NoClientIPHeaders = "none"

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*Extractor)

// WithClientIPHeaders replaces the headers trusted for the client address.
func WithClientIPHeaders(headers ...string) MiddlewareOption {
	return func(e *Extractor) { *e = NewExtractor(headers) }
}

// Middleware applies p to every request. Rejected requests are answered
// with the verdict's status, headers and JSON body; admitted requests carry
// the quota headers and their final status is fed back to p. hub and rec
// may be nil.
func Middleware(p *admission.Pipeline, hub *Hub, rec *recorder.Recorder, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	ex := NewExtractor(nil)
	for _, o := range opts {
		o(&ex)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			req := ex.Request(r)
			clk := p.Clock()
			arrived := clk.Now()

			v := p.Check(ctx, req)
			defer v.Release()

			for k, vals := range v.Headers() {
				w.Header()[k] = vals
			}

			status := v.Status
			if v.Allowed {
				sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
				next.ServeHTTP(sw, r)
				status = sw.status
				p.Observe(ctx, req, status)
			} else {
				writeJSON(w, v.Status, v.Body(clk.Now()))
				if v.Status == http.StatusTooManyRequests {
					p.Observe(ctx, req, v.Status)
				}
			}

			tr := recorder.TrafficRecord{Timestamp: arrived, Request: req, Status: status}
			if rec != nil {
				if err := rec.Record(tr); err != nil {
					klog.Errorf("record error: %v", err)
				}
			}
			hub.Broadcast(recorder.AdmissionEvent(tr, v, clk.Now()))
		})
	}
}

// Extractor builds admission requests from HTTP requests.
//
// Per-IP detection is only as good as the client address. Every header in
// TrustedHeaders must be overwritten by the proxy in front of Bastion;
// a header passed through from clients lets them pick any address.
type Extractor struct {
	// TrustedHeaders are consulted in order before the connection address.
	// For X-Forwarded-For the first hop is used.
	TrustedHeaders []string
}

// NewExtractor returns an Extractor trusting headers. Empty selects
// DefaultClientIPHeaders and a lone NoClientIPHeaders trusts none.
func NewExtractor(headers []string) Extractor {
	switch {
	case len(headers) == 0:
		headers = DefaultClientIPHeaders
	case len(headers) == 1 && strings.EqualFold(headers[0], NoClientIPHeaders):
		headers = nil
	}
	return Extractor{TrustedHeaders: headers}
}

// Request extracts the identity tuple from r.
func (e Extractor) Request(r *http.Request) admission.Request {
	return admission.Request{
		UserID:         r.Header.Get(HeaderUserID),
		Role:           r.Header.Get(HeaderUserRole),
		IP:             e.ClientIP(r),
		APIKeyID:       r.Header.Get(HeaderAPIKeyID),
		Path:           r.URL.Path,
		Method:         r.Method,
		Query:          r.URL.RawQuery,
		UserAgent:      r.UserAgent(),
		Country:        r.Header.Get(HeaderCountry),
		ChallengeToken: r.Header.Get(abuse.ChallengeHeader),
	}
}

// ClientIP returns the first trusted header value, then the connection
// address.
func (e Extractor) ClientIP(r *http.Request) string {
	for _, h := range e.TrustedHeaders {
		v := r.Header.Get(h)
		if strings.EqualFold(h, "X-Forwarded-For") {
			v, _, _ = strings.Cut(v, ",")
		}
		if ip := strings.TrimSpace(v); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequestFromHTTP extracts the identity tuple from r, trusting
// DefaultClientIPHeaders. Only use it behind a proxy that overwrites them.
func RequestFromHTTP(r *http.Request) admission.Request {
	return NewExtractor(nil).Request(r)
}
