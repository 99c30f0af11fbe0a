package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/example/tourbook/internal/auth"
	"github.com/example/tourbook/internal/bookings"
	"github.com/example/tourbook/internal/orchestrator"
)

// BookingService is the part of the orchestrator the HTTP API drives.
type BookingService interface {
	CreateBooking(ctx context.Context, req orchestrator.Request) (bookings.Booking, error)
	CancelBooking(ctx context.Context, id, reason, actor string) (bookings.Booking, error)
	Transition(ctx context.Context, id string, to bookings.Status, actor, reason string) (bookings.Booking, error)
	TransitionStop(ctx context.Context, id string, stopNumber int, to bookings.Status, actor string) (bookings.RestaurantBooking, error)
	Booking(ctx context.Context, id string) (bookings.Booking, error)
	BookingByReference(ctx context.Context, ref string) (bookings.Booking, error)
	Events(ctx context.Context, id string) ([]bookings.Event, error)
	Preview(ctx context.Context, routeID, slotID string) (orchestrator.Plan, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (auth.Session, error)
}

type Server struct {
	Bookings BookingService
	Sessions *auth.Store
	Staff    Authenticator
	Health   func(ctx context.Context) error
	Log      *logrus.Entry
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/staff/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/staff/logout", s.handleLogout).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/bookings", s.handleCreateBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/ref/{reference}", s.handleBookingByReference).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)
	api.HandleFunc("/routes/{routeID}/slots/{slotID}/feasibility", s.handleFeasibility).Methods(http.MethodGet)

	staff := s.Sessions.RequireStaff(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "staff login required"})
	})
	api.Handle("/bookings/{id}/cancel", staff(http.HandlerFunc(s.handleCancel))).Methods(http.MethodPost)
	api.Handle("/bookings/{id}/transitions", staff(http.HandlerFunc(s.handleTransition))).Methods(http.MethodPost)
	api.Handle("/bookings/{id}/stops/{n:[0-9]+}/transitions", staff(http.HandlerFunc(s.handleStopTransition))).Methods(http.MethodPost)
	api.Handle("/bookings/{id}/events", staff(http.HandlerFunc(s.handleEvents))).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.Log == nil {
			return
		}
		s.Log.WithFields(logrus.Fields{
			"action":      "http_request",
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start serves h on addr until ctx is done, then shuts down gracefully.
func Start(ctx context.Context, addr string, h http.Handler, log *logrus.Entry) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.WithFields(logrus.Fields{"action": "http_listen", "addr": addr}).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
