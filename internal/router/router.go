package router

import (
	"log/slog"
	"net/http"
	"time"

	"fleetops/internal/controller"
	"fleetops/internal/logger"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

func NewRouter(c *controller.Controller, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/ping", c.Ping)
	mux.HandleFunc("POST /api/requests/new", c.NewRequest)
	mux.HandleFunc("GET /api/requests/eligible", c.EligibleRequests)
	mux.HandleFunc("GET /api/requests/{requestId}", c.GetRequest)
	mux.HandleFunc("PUT /api/requests/{requestId}/status", c.SetRequestStatus)
	mux.HandleFunc("PUT /api/requests/{requestId}/cancel", c.CancelRequest)
	mux.HandleFunc("GET /api/requests/{requestId}/offers", c.RequestOffers)
	mux.HandleFunc("POST /api/requests/{requestId}/offers", c.NewOffer)
	mux.HandleFunc("PUT /api/requests/{requestId}/accept/{offerId}", c.AcceptOffer)
	mux.HandleFunc("PUT /api/offers/{offerId}/withdraw", c.WithdrawOffer)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("page not found"))
	})

	cors := http.NewServeMux()
	cors.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match, "+requestIDHeader)
		w.Header().Set("Access-Control-Expose-Headers", "ETag, "+requestIDHeader)
		w.Header().Set("Accept", "*/*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
		} else {
			mux.ServeHTTP(w, r)
		}
	})

	return withRequestID(cors, log)
}

// withRequestID tags every request with an id, taken from the client when
// supplied, and logs the outcome once the handler returns.
func withRequestID(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if len(id) == 0 || len(id) > 100 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := logger.WithRequestID(r.Context(), id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(ctx))

		log.DebugContext(ctx, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}
