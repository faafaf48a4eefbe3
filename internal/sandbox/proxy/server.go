package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bastionlabs/harbor/internal/capability"
)

// MaxForwardedBodyBytes caps both the request body a container may send
// through the proxy and the response body relayed back to it.
const MaxForwardedBodyBytes = 10 << 20 // 10 MiB

// SecretResolver resolves a credential alias's secret value for
// injection. The proxy never logs or forwards the resolved value itself.
type SecretResolver interface {
	Get(ctx context.Context, name string) (string, bool)
}

// Server is the per-job HTTP(S) forward proxy a sandboxed container is
// configured to use as its http_proxy/https_proxy. One Server instance
// enforces exactly one job's capability set.
type Server struct {
	decider     *Decider
	secrets     SecretResolver
	client      *http.Client
	server      *http.Server
	logger      *slog.Logger
	requests    atomicCounter
	minuteLimit *rateLimiter
	hourLimit   *rateLimiter
}

// New builds a Server enforcing decider's policy. Since sandboxed shell
// egress never passes through a WASM invocation's C2 ledger, the proxy
// keeps its own fixed-window limiters mirroring the capability's
// http.rate_limit numbers, so the same backpressure budget applies
// whether traffic originates from a guest extension or a shell command.
func New(addr string, decider *Decider, secrets SecretResolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	rl := capability.RateLimit{}
	if decider.cap != nil && decider.cap.HTTP != nil {
		rl = decider.cap.HTTP.RateLimit
	}
	s := &Server{
		decider:     decider,
		secrets:     secrets,
		client:      &http.Client{Timeout: 60 * time.Second},
		logger:      logger,
		minuteLimit: newRateLimiter(rl.PerMinute, time.Minute),
		hourLimit:   newRateLimiter(rl.PerHour, time.Hour),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      http.HandlerFunc(s.handle),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Start begins listening and returns once the listener is bound.
func (s *Server) Start(ctx context.Context) (net.Addr, error) {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("proxy listen %s: %w", s.server.Addr, err)
	}
	s.logger.Info("sandbox proxy listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("sandbox proxy error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()
	return ln.Addr(), nil
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

func (s *Server) RequestCount() uint64 { return s.requests.load() }

// jobBudgetKey is the single bucket key every rate limiter check uses:
// the budget is per-job (the whole Server instance), not per-host.
const jobBudgetKey = "job"

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.requests.add(1)

	if !s.minuteLimit.Allow(jobBudgetKey) || !s.hourLimit.Allow(jobBudgetKey) {
		s.logger.Info("proxy: rate limit exceeded", "method", r.Method, "host", r.Host)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.handleForward(w, r)
}

// handleConnect tunnels an HTTPS session after an allowlist check. The
// proxy cannot see inside the tunnel once established, so no credential
// is ever injected into a CONNECT — that only applies to plain HTTP
// requests the proxy fully parses.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Hostname()
	if host == "" {
		host = strings.Split(r.Host, ":")[0]
	}
	req := Request{Method: "CONNECT", URL: "https://" + r.Host + "/", Host: host}
	decision := s.decider.Decide(req)
	if !decision.Allowed() {
		s.logger.Info("proxy: blocked CONNECT", "host", host, "reason", decision.Reason)
		http.Error(w, decision.Reason, http.StatusForbidden)
		return
	}

	destConn, err := net.DialTimeout("tcp", r.Host, 10*time.Second)
	if err != nil {
		http.Error(w, "upstream dial failed", http.StatusBadGateway)
		return
	}
	defer destConn.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	s.logger.Debug("proxy: tunneling CONNECT", "host", host)
	done := make(chan struct{}, 2)
	go func() { io.Copy(destConn, clientConn); done <- struct{}{} }()
	go func() { io.Copy(clientConn, destConn); done <- struct{}{} }()
	<-done
}

// handleForward validates, forwards, and relays one plain HTTP request.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.String()
	if !r.URL.IsAbs() {
		// Some clients send an absolute-form URI only in the request line;
		// net/http already reconstructs r.URL.Host for proxy requests, but
		// guard the case it didn't.
		rawURL = "http://" + r.Host + r.URL.RequestURI()
	}
	req, ok := RequestFromURL(r.Method, rawURL)
	if !ok {
		http.Error(w, "invalid URL", http.StatusBadRequest)
		return
	}

	decision := s.decider.Decide(req)
	if !decision.Allowed() {
		s.logger.Info("proxy: blocked", "method", r.Method, "url", rawURL, "reason", decision.Reason)
		http.Error(w, decision.Reason, http.StatusForbidden)
		return
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, rawURL, io.LimitReader(r.Body, MaxForwardedBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}
	for name, values := range r.Header {
		if capability.IsHopByHop(name) {
			continue
		}
		for _, v := range values {
			outReq.Header.Add(name, v)
		}
	}

	if decision.Kind == DecisionAllowWithCredentials {
		cred := decision.Credential
		value, ok := s.secrets.Get(r.Context(), cred.SecretName)
		if !ok {
			s.logger.Warn("proxy: credential not found", "alias", cred.Alias, "secret", cred.SecretName)
		} else {
			capability.InjectCredential(outReq, cred.Location, value)
			s.logger.Debug("proxy: injected credential", "alias", cred.Alias)
		}
	}

	resp, err := s.client.Do(outReq)
	if err != nil {
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if capability.IsHopByHop(name) {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, io.LimitReader(resp.Body, MaxForwardedBodyBytes))
}
