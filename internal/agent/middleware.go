package agent

import (
	"crypto/x509"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Keeps Hijacker so websocket upgrades pass through
			wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(wrapped, r)

			status := wrapped.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("HTTP request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", wrapped.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// MTLSMiddleware rejects requests that did not present a verified client
// certificate. The TLS listener does the verification; this only refuses
// connections that reached the router without one.
func MTLSMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cert, reason := clientCertificate(r)
			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if cert == nil {
				logger.Warn("Client certificate rejected", append(fields, zap.String("reason", reason))...)
				writeError(w, http.StatusForbidden, reason)
				return
			}

			logger.Debug("Client certificate accepted", append(fields,
				zap.String("subject", cert.Subject.String()),
				zap.String("issuer", cert.Issuer.String()),
			)...)
			next.ServeHTTP(w, r)
		})
	}
}

// clientCertificate returns the leaf certificate of the connection, or the
// reason the request carries none.
func clientCertificate(r *http.Request) (*x509.Certificate, string) {
	if r.TLS == nil {
		return nil, "TLS required"
	}
	if len(r.TLS.PeerCertificates) == 0 {
		return nil, "client certificate required"
	}
	return r.TLS.PeerCertificates[0], ""
}

// RecoveryMiddleware recovers from panics
func RecoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("Panic recovered",
						zap.Any("error", rec),
						zap.String("request_id", middleware.GetReqID(r.Context())),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack_trace", debug.Stack()),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
