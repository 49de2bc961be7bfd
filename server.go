package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"i4.energy/across/smartgsm/modem"
)

// Gateway is the part of *modem.Modem the HTTP and MQTT surfaces use.
type Gateway interface {
	State() string
	Mode() modem.Mode
	ChangeMode(ctx context.Context, mode modem.Mode) error
	Execute(ctx context.Context, cmd string) (string, error)
	SendSMS(ctx context.Context, recipient, body string, flash bool) error
	SendUSSD(ctx context.Context, code string) (modem.USSDResponse, error)
	ListMessages(ctx context.Context) ([]modem.SMS, error)
	RemoveMessage(ctx context.Context, msg modem.SMS) error
	RemoveAllMessages(ctx context.Context) error
	ICCID(ctx context.Context) (string, error)
	Messages() *modem.Stream[modem.SMS]
	Calls() *modem.Stream[modem.IncomingCall]
	USSDReplies() *modem.Stream[modem.USSDResponse]
}

// Server handles incoming HTTP requests for interacting with the
// configured modem instance
type Server struct {
	Logger *slog.Logger
	Modem  Gateway
	// Gatherer backs /metrics, prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer
	// Ports lists serial ports for /ports, modem.ListPorts when nil.
	Ports func() ([]modem.PortInfo, error)

	once   sync.Once
	router http.Handler
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.once.Do(func() { s.router = s.routes() })
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	gatherer := s.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ports", s.handlePorts)
	r.Get("/events", s.handleEvents)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/sms", func(r chi.Router) {
		r.Post("/", s.handleSMS)
		r.Get("/", s.handleListSMS)
		r.Delete("/", s.handleRemoveAllSMS)
		r.Delete("/{index}", s.handleRemoveSMS)
	})
	r.Post("/ussd", s.handleUSSD)
	r.Put("/mode", s.handleMode)
	r.Get("/iccid", s.handleICCID)
	r.Post("/at", s.handleAT)
	return r
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, ErrorResponse{Message: message}, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Debug("Failed to write response", "error", err)
	}
}

// sendModemError maps a modem error onto a status code.
func (s *Server) sendModemError(w http.ResponseWriter, err error) {
	s.sendError(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, modem.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, modem.ErrCommandFailed):
		return http.StatusBadGateway
	case errors.Is(err, modem.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, modem.ErrInvalidMode):
		return http.StatusConflict
	case errors.Is(err, modem.ErrNotReady),
		errors.Is(err, modem.ErrAlreadyClosed),
		errors.Is(err, modem.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type HealthResponse struct {
		State string `json:"state"`
		Mode  string `json:"mode"`
	}
	resp := HealthResponse{State: s.Modem.State(), Mode: s.Modem.Mode().String()}
	status := http.StatusOK
	if resp.State != modem.StateReady {
		status = http.StatusServiceUnavailable
	}
	s.sendJSON(w, resp, status)
}

// SMSRequest is the body accepted by POST /sms and the MQTT send topic.
type SMSRequest struct {
	ID      string `json:"id,omitempty"`
	To      string `json:"to"`
	Message string `json:"message"`
	Flash   bool   `json:"flash,omitempty"`
}

func (req *SMSRequest) validate() error {
	if req.To == "" || req.Message == "" {
		return errors.New("both 'to' and 'message' fields are required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return nil
}

// handleSMS processes incoming HTTP POST requests to send SMS messages
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	var req SMSRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.Modem.SendSMS(r.Context(), req.To, req.Message, req.Flash); err != nil {
		s.Logger.Error("Failed to send SMS", "error", err, "to", req.To, "id", req.ID)
		s.sendModemError(w, err)
		return
	}

	s.Logger.Info("SMS sent successfully", "to", req.To, "id", req.ID, "message_length", len(req.Message))
	s.sendJSON(w, map[string]string{"id": req.ID}, http.StatusOK)
}

func (s *Server) handleListSMS(w http.ResponseWriter, r *http.Request) {
	messages, err := s.Modem.ListMessages(r.Context())
	if err != nil {
		s.sendModemError(w, err)
		return
	}
	if messages == nil {
		messages = []modem.SMS{}
	}
	s.sendJSON(w, messages, http.StatusOK)
}

func (s *Server) handleRemoveSMS(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		s.sendError(w, "index must be a non-negative integer", http.StatusBadRequest)
		return
	}
	if err := s.Modem.RemoveMessage(r.Context(), modem.SMS{Index: index}); err != nil {
		s.sendModemError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveAllSMS(w http.ResponseWriter, r *http.Request) {
	if err := s.Modem.RemoveAllMessages(r.Context()); err != nil {
		s.sendModemError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUSSD(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Code == "" {
		s.sendError(w, "'code' field is required", http.StatusBadRequest)
		return
	}

	resp, err := s.Modem.SendUSSD(r.Context(), req.Code)
	if err != nil {
		s.Logger.Warn("USSD request failed", "error", err, "code", req.Code)
		s.sendModemError(w, err)
		return
	}
	s.sendJSON(w, resp, http.StatusOK)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	mode, err := modem.ParseMode(req.Mode)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Modem.ChangeMode(r.Context(), mode); err != nil {
		s.sendModemError(w, err)
		return
	}
	s.sendJSON(w, map[string]string{"mode": mode.String()}, http.StatusOK)
}

func (s *Server) handleICCID(w http.ResponseWriter, r *http.Request) {
	iccid, err := s.Modem.ICCID(r.Context())
	if err != nil {
		s.sendModemError(w, err)
		return
	}
	s.sendJSON(w, map[string]string{"iccid": iccid}, http.StatusOK)
}

func (s *Server) handleAT(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Command == "" {
		s.sendError(w, "'command' field is required", http.StatusBadRequest)
		return
	}

	resp, err := s.Modem.Execute(r.Context(), req.Command)
	if err != nil {
		var cmdErr *modem.CommandError
		if errors.As(err, &cmdErr) {
			s.sendJSON(w, map[string]string{"message": err.Error(), "response": cmdErr.Response}, http.StatusBadGateway)
			return
		}
		s.sendModemError(w, err)
		return
	}
	s.sendJSON(w, map[string]string{"response": resp}, http.StatusOK)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	list := s.Ports
	if list == nil {
		list = modem.ListPorts
	}
	ports, err := list()
	if err != nil {
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, ports, http.StatusOK)
}

// handleEvents streams received messages, calls and USSD replies as
// server-sent events until the client goes away or the modem closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	messages, unsubscribeMessages := s.Modem.Messages().Subscribe()
	defer unsubscribeMessages()
	calls, unsubscribeCalls := s.Modem.Calls().Subscribe()
	defer unsubscribeCalls()
	replies, unsubscribeReplies := s.Modem.USSDReplies().Subscribe()
	defer unsubscribeReplies()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	for {
		var (
			event string
			data  any
		)
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
			continue
		case msg, ok := <-messages:
			if !ok {
				return
			}
			event, data = "sms", msg
		case call, ok := <-calls:
			if !ok {
				return
			}
			event, data = "call", call
		case reply, ok := <-replies:
			if !ok {
				return
			}
			event, data = "ussd", reply
		}

		payload, err := json.Marshal(data)
		if err != nil {
			s.Logger.Error("Failed to encode event", "error", err, "event", event)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return
		}
		flusher.Flush()
	}
}
