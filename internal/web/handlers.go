package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/example/tourbook/internal/auth"
	"github.com/example/tourbook/internal/bookings"
	"github.com/example/tourbook/internal/internaltypes"
	"github.com/example/tourbook/internal/orchestrator"
)

const maxBody = 64 << 10

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return internaltypes.Invalid("body", "is not valid JSON: "+err.Error())
	}
	return nil
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.Bookings.CreateBooking(r.Context(), orchestrator.Request{
		RouteID:   req.RouteID,
		SlotID:    req.SlotID,
		PartySize: req.PartySize,
		Customer:  req.Customer,
		Payment:   req.Payment,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingJSON(b))
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.Booking(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingJSON(b))
}

func (s *Server) handleBookingByReference(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.BookingByReference(r.Context(), mux.Vars(r)["reference"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingJSON(b))
}

func (s *Server) handleFeasibility(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	p, err := s.Bookings.Preview(r.Context(), v["routeID"], v["slotID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFeasibilityJSON(p))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	b, err := s.Bookings.CancelBooking(r.Context(), mux.Vars(r)["id"], req.Reason, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingJSON(b))
}

type transitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	to, err := bookings.ParseStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := s.Bookings.Transition(r.Context(), mux.Vars(r)["id"], to, actor(r), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingJSON(b))
}

func (s *Server) handleStopTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	to, err := bookings.ParseStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	v := mux.Vars(r)
	n, err := strconv.Atoi(v["n"])
	if err != nil {
		writeError(w, internaltypes.Invalid("stop", "must be a number"))
		return
	}
	stop, err := s.Bookings.TransitionStop(r.Context(), v["id"], n, to, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStopJSON(stop))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.Bookings.Events(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]eventJSON, 0, len(evs))
	for _, e := range evs {
		out = append(out, eventJSON{Type: e.Type, Actor: e.Actor, Metadata: e.Metadata, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.Staff.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if s.Log != nil {
			s.Log.WithFields(logrus.Fields{"action": "staff_login_failed", "username": req.Username}).Warn("login rejected")
		}
		writeError(w, err)
		return
	}
	if err := s.Sessions.SetSession(w, r, sess); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": sess.Username})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.Sessions.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

func actor(r *http.Request) string {
	if sess, ok := auth.SessionFromContext(r.Context()); ok {
		return sess.Actor()
	}
	return "staff"
}
