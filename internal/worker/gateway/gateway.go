// Package gateway wraps the business handler with the stages every request
// goes through: CORS headers, pre-flight short-circuit, drain marking and
// panic recovery.
package gateway

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"slices"

	"go.uber.org/zap"
)

const (
	allowMethods  = "GET, POST, PATCH, PUT, DELETE, OPTIONS"
	allowHeaders  = "Origin, Content-Type, X-Auth-Token"
	exposeHeaders = "Set-Cookie"
)

// Stage wraps next with cross-cutting logic. A stage that does not call
// next short-circuits the request.
type Stage func(w http.ResponseWriter, r *http.Request, next http.Handler)

// Chain composes stages; the first one is the outermost.
//
//	Chain(cors, preflight, drain)  runs as  cors → preflight → drain → next
func Chain(stages ...Stage) Stage {
	return func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		h := next
		for i := len(stages) - 1; i >= 0; i-- {
			st, prev := stages[i], h
			h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				st(w, r, prev)
			})
		}
		h.ServeHTTP(w, r)
	}
}

// Drainer reports whether the worker stopped taking new work.
type Drainer interface {
	Draining() bool
}

// FaultReporter receives faults trapped while serving.
type FaultReporter interface {
	ReportFault(err error)
}

// Policy is the CORS allow-list. The first origin is the primary one.
type Policy struct {
	Origins []string
}

func (p Policy) primary() string {
	if len(p.Origins) == 0 {
		return ""
	}
	return p.Origins[0]
}

func (p Policy) allowed(origin string) bool {
	return origin != "" && slices.Contains(p.Origins, origin)
}

// CORS sets the cross-origin headers on every response.
func CORS(p Policy) Stage {
	return func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		h := w.Header()
		origin := r.Header.Get("Origin")

		switch {
		case r.Method == http.MethodOptions && origin != "":
			h.Set("Access-Control-Allow-Origin", origin)
		case r.Method == http.MethodOptions:
			h.Set("Access-Control-Allow-Origin", p.primary())
		case p.allowed(origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		default:
			h.Set("Access-Control-Allow-Origin", p.primary())
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Methods", allowMethods)
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Expose-Headers", exposeHeaders)

		next.ServeHTTP(w, r)
	}
}

// Preflight answers OPTIONS requests itself.
func Preflight() Stage {
	return func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	}
}

// Drain asks the client to close the connection once d is draining.
func Drain(d Drainer) Stage {
	return func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		if d.Draining() {
			w.Header().Set("Connection", "close")
		}
		next.ServeHTTP(w, r)
	}
}

// Recover turns a panicking handler into a 500 and hands the panic to f.
func Recover(f FaultReporter, logger *zap.Logger) Stage {
	return func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Error("handler panicked",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			if f != nil {
				f.ReportFault(fmt.Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, rec))
			}
		}()
		next.ServeHTTP(w, r)
	}
}

// New builds the gateway in front of delegate.
func New(delegate http.Handler, p Policy, d Drainer, f FaultReporter, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	chain := Chain(
		CORS(p),
		// drain runs first so pre-flight answers also close the connection
		Drain(d),
		Preflight(),
		Recover(f, logger.Named("gateway")),
	)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chain(w, r, delegate)
	})
}
