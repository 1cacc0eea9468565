package core

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"clamgate/pkg/auth"
)

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
}

// WriteHeader intercepts the status code and stores it, then calls the original WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	w.WrittenResponseCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

type LogEntry struct {
	IP         string
	Method     string
	URL        string
	Proto      string
	User       string
	DurationMS float64
	StatusCode int
}

func (e LogEntry) UserAttr() slog.Attr {
	return slog.Group("user", "ip", e.IP, "name", e.User)
}

func (e LogEntry) RequestAttr() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
	)
}

// LogRequest is middleware that logs incoming HTTP requests. Scrapes of
// /metrics and /healthz are logged at debug level only.
func LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		entry := LogEntry{
			IP:     r.RemoteAddr,
			Method: r.Method,
			URL:    r.URL.String(),
			Proto:  r.Proto,
		}

		writer := ResponseWriterWrapper{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(&writer, r)
		elapsed := time.Since(start).Nanoseconds()

		entry.DurationMS = float64(elapsed) / float64(time.Millisecond)
		entry.StatusCode = writer.WrittenResponseCode
		if user, _, ok := r.BasicAuth(); ok {
			entry.User = user
		}

		switch {
		case writer.WrittenResponseCode >= 500:
			slog.Error("Request", entry.UserAttr(), entry.RequestAttr())
		case writer.WrittenResponseCode >= 400:
			slog.Warn("Request", entry.UserAttr(), entry.RequestAttr())
		case r.URL.Path == "/metrics" || r.URL.Path == "/healthz":
			slog.Debug("Request", entry.UserAttr(), entry.RequestAttr())
		default:
			slog.Info("Request", entry.UserAttr(), entry.RequestAttr())
		}
	})
}

// RequireAuthentication is middleware that rejects requests authenticator
// does not accept.
func RequireAuthentication(authenticator auth.AuthEngine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := authenticator.AuthenticateRequest(r.Context(), r)
			if err != nil {
				slog.Error("Authenticate request", "err", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if user == nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="clamgate"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Replace all occurrences of "//" with "/" in the URL path
		r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")

		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
		}

		next.ServeHTTP(w, r)
	})
}

func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "error", rvr)

				if r.Header.Get("Connection") != "Upgrade" {
					w.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
