// Package webhook hosts the inbound HTTP surface: one POST endpoint per
// provider with body limits, authentication, replay protection and rate
// limiting applied before the provider parser ever runs.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	// maxBodyBytes caps webhook request bodies.
	maxBodyBytes = 1 << 20 // 1 MiB
	// bodyReadTimeout bounds how long a client may dribble the body.
	bodyReadTimeout = 30 * time.Second
)

// Request is the authenticated inbound request handed to a provider parser.
type Request struct {
	Body     []byte
	Header   http.Header
	Query    url.Values
	RemoteIP string
	// IsReplay marks a cryptographically valid request whose fingerprint
	// was seen within the replay window. Parsers must suppress side
	// effects for replays.
	IsReplay bool
}

// Handler consumes an authenticated webhook request.
type Handler func(ctx context.Context, req *Request)

// Endpoint binds one provider path to its auth mechanism and handler.
// Exactly one of Secret / Twilio / Plivo / Telnyx should be set; none
// means the endpoint is open (webchat behind its own auth, tests).
type Endpoint struct {
	Path    string
	Channel string

	Secret string
	Twilio *TwilioAuth
	Plivo  *PlivoAuth
	Telnyx *TelnyxAuth

	Handle Handler
}

// Server is the shared webhook HTTP server.
type Server struct {
	addr    string
	mux     *http.ServeMux
	srv     *http.Server
	replay  *ReplayCache
	limiter *RateLimiter
	trust   ProxyTrust
	log     *slog.Logger
}

// NewServer creates a webhook server listening on addr.
func NewServer(addr string, trust ProxyTrust, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:    addr,
		mux:     http.NewServeMux(),
		replay:  NewReplayCache(replayWindow),
		limiter: NewRateLimiter(),
		trust:   trust,
		log:     log,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Register mounts an endpoint on the server.
func (s *Server) Register(ep Endpoint) {
	s.mux.HandleFunc(ep.Path, func(w http.ResponseWriter, r *http.Request) {
		s.serve(ep, w, r)
	})
}

// Start begins serving. It returns once the listener is bound; serve
// errors after that are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("webhook listen %s: %w", s.addr, err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("webhook server stopped", "error", err)
		}
	}()
	s.log.Info("webhook server listening", "addr", s.addr)
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) serve(ep Endpoint, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	remoteIP := remoteIPOf(r)
	if !s.limiter.Allow(ep.Channel + "|" + remoteIP) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	body, status := readBody(w, r)
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	req := &Request{Body: body, Header: r.Header, Query: r.URL.Query(), RemoteIP: remoteIP}

	switch {
	case ep.Secret != "":
		if !sharedSecretOK(r, ep.Secret) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		// Shared-secret requests are not fingerprintable for replay.
	case ep.Twilio != nil:
		extURL := s.trust.ExternalURL(r)
		sig := r.Header.Get("X-Twilio-Signature")
		if !ep.Twilio.Valid(extURL, formValues(body), sig) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		req.IsReplay = s.replay.Seen(replayKey(extURL, sig, body))
	case ep.Plivo != nil:
		extURL := s.trust.ExternalURL(r)
		ok, sig := ep.Plivo.Valid(extURL, r.Header, formValues(body))
		if !ok {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		req.IsReplay = s.replay.Seen(replayKey(extURL, sig, body))
	case ep.Telnyx != nil:
		ts := r.Header.Get("Telnyx-Timestamp")
		sig := r.Header.Get("Telnyx-Signature-Ed25519")
		if !ep.Telnyx.Valid(ts, sig, body) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		req.IsReplay = s.replay.Seen(replayKey(ts, sig, body))
	}

	if req.IsReplay {
		s.log.Debug("webhook replay suppressed", "channel", ep.Channel, "remote", remoteIP)
	}
	ep.Handle(r.Context(), req)
	w.WriteHeader(http.StatusOK)
}

// readBody reads the capped request body. Returns a non-zero HTTP status
// on failure: 413 when over the cap, 408 when the read timed out.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, int) {
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Now().Add(bodyReadTimeout))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, http.StatusRequestTimeout
		}
		return nil, http.StatusRequestTimeout
	}
	return body, 0
}

func formValues(body []byte) url.Values {
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return url.Values{}
	}
	return vals
}

func remoteIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func replayKey(parts ...any) string {
	var b strings.Builder
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			b.WriteString(v)
		case []byte:
			b.Write(v)
		}
		b.WriteByte(0)
	}
	return b.String()
}
