package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/apperr"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/broadcast"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/config"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/dispatch"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/geo"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/ingest"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/money"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/pricing"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/rescue"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/settlement"
)

// Server wires the rescue engine behind a gorilla/mux router. All
// dependencies are injected by cmd/server so tests can swap in the
// in-memory implementations.
type Server struct {
	Cfg         config.Config
	Machine     *rescue.Machine
	Coordinator *dispatch.Coordinator
	Broadcast   *broadcast.Broadcaster
	Pipeline    *settlement.Pipeline
	Calc        *pricing.Calculator
	Geo         geo.Index
	Settlements *ingest.SettlementProducer // optional; nil means settle inline
	WSReg       *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(cfg config.Config, log *slog.Logger) *Server {
	s := &Server{Cfg: cfg, logger: log, mux: mux.NewRouter()}
	return s
}

// Init registers routes and middleware once all dependencies are set.
func (s *Server) Init() {
	s.registerMiddleware()
	s.routes()
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rescues", s.handleRequestRescue).Methods("POST")
	s.mux.HandleFunc("/api/v1/rescues/{id}", s.handleGetRescue).Methods("GET")
	s.mux.HandleFunc("/api/v1/rescues/{id}/respond", s.handleRespond).Methods("POST")
	s.mux.HandleFunc("/api/v1/rescues/{id}/progress", s.handleProgress).Methods("POST")
	s.mux.HandleFunc("/api/v1/rescues/{id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/rescues/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rescues/{id}/refund", s.handleRefund).Methods("POST")
	s.mux.HandleFunc("/internal/settlements/{id}/retry", s.handleSettlementRetry).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws/rescues/{id}", s.handleRescueWS)
	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type rescueRequest struct {
	RiderID         string           `json:"rider_id"`
	Pickup          models.Coord     `json:"pickup"`
	Dropoff         *models.Coord    `json:"dropoff,omitempty"`
	IssueType       models.IssueType `json:"issue_type"`
	Surge           float64          `json:"surge,omitempty"`
	DiscountPercent float64          `json:"discount_percent,omitempty"`
}

func (s *Server) handleRequestRescue(w http.ResponseWriter, r *http.Request) {
	var req rescueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Validation("body", err.Error()))
		return
	}
	if req.RiderID == "" {
		s.writeError(w, r, apperr.Validation("rider_id", "required"))
		return
	}
	if !req.IssueType.Valid() {
		s.writeError(w, r, apperr.Validation("issue_type", "unknown issue type"))
		return
	}
	if !validCoord(req.Pickup) {
		s.writeError(w, r, apperr.Validation("pickup", "lat/lon out of range"))
		return
	}
	if req.Dropoff != nil && !validCoord(*req.Dropoff) {
		s.writeError(w, r, apperr.Validation("dropoff", "lat/lon out of range"))
		return
	}
	if req.Surge == 0 {
		req.Surge = 1
	}

	// upfront estimate: tow distance when a dropoff is given, base-only
	// otherwise
	dist := 0.0
	if req.Dropoff != nil {
		dist = geo.Haversine(req.Pickup.Lat, req.Pickup.Lon, req.Dropoff.Lat, req.Dropoff.Lon)
	}
	bd, err := s.Calc.Price(dist, req.IssueType, req.Surge, req.DiscountPercent, s.Cfg.TaxRate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resc := &models.Rescue{
		ID:            newID(),
		RiderID:       req.RiderID,
		Status:        models.StatusRequested,
		Pickup:        req.Pickup,
		Dropoff:       req.Dropoff,
		IssueType:     req.IssueType,
		PriceEstimate: bd.Total,
	}
	if err := s.Machine.Create(r.Context(), resc); err != nil {
		s.writeError(w, r, err)
		return
	}

	// the search runs past this request's lifetime
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Coordinator.Dispatch(ctx, resc.ID); err != nil {
			s.logger.Warn("dispatch failed", "rescue_id", resc.ID, "error", err)
		}
	}()

	s.writeJSON(w, http.StatusCreated, map[string]any{"rescue": resc, "estimate": bd})
}

func (s *Server) handleGetRescue(w http.ResponseWriter, r *http.Request) {
	resc, err := s.Machine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resc)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
		Accept   bool   `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Validation("body", err.Error()))
		return
	}
	if req.DriverID == "" {
		s.writeError(w, r, apperr.Validation("driver_id", "required"))
		return
	}
	resc, err := s.Coordinator.HandleResponse(r.Context(), mux.Vars(r)["id"], req.DriverID, req.Accept)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resc)
}

// progressPrior maps each driver progress status to the only status it
// may follow.
var progressPrior = map[models.RescueStatus]models.RescueStatus{
	models.StatusEnRoute:    models.StatusAccepted,
	models.StatusArrived:    models.StatusEnRoute,
	models.StatusInProgress: models.StatusArrived,
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string              `json:"driver_id"`
		Status   models.RescueStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Validation("body", err.Error()))
		return
	}
	expected, ok := progressPrior[req.Status]
	if !ok {
		s.writeError(w, r, apperr.Validation("status", "must be en_route, arrived or in_progress"))
		return
	}
	id := mux.Vars(r)["id"]
	resc, err := s.Machine.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if resc.Assignment == nil || resc.Assignment.DriverID != req.DriverID {
		s.writeError(w, r, apperr.BusinessRule("not_assigned", "rescue "+id+" is not assigned to driver "+req.DriverID))
		return
	}
	resc, err = s.Machine.Transition(r.Context(), rescue.TransitionRequest{
		RescueID: id,
		Expected: expected,
		To:       req.Status,
		Actor:    models.ActorDriver,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resc)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID        string  `json:"driver_id"`
		DistanceMiles   float64 `json:"distance_miles"`
		Surge           float64 `json:"surge,omitempty"`
		DiscountPercent float64 `json:"discount_percent,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Validation("body", err.Error()))
		return
	}
	if req.Surge == 0 {
		req.Surge = 1
	}
	id := mux.Vars(r)["id"]
	resc, err := s.Machine.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if resc.Assignment == nil || resc.Assignment.DriverID != req.DriverID {
		s.writeError(w, r, apperr.BusinessRule("not_assigned", "rescue "+id+" is not assigned to driver "+req.DriverID))
		return
	}

	bd, err := s.Calc.Price(req.DistanceMiles, resc.IssueType, req.Surge, req.DiscountPercent, s.Cfg.TaxRate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	final := bd.Total
	resc, err = s.Machine.Transition(r.Context(), rescue.TransitionRequest{
		RescueID:   id,
		Expected:   models.StatusInProgress,
		To:         models.StatusCompleted,
		Actor:      models.ActorDriver,
		FinalPrice: &final,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.Pipeline.Prepare(r.Context(), resc, bd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.Settlements != nil {
		if err := s.Settlements.EnqueueSettlement(r.Context(), id); err != nil {
			// the record is already PENDING; the pending sweep or an
			// operator retry picks it up
			s.logger.Error("settlement enqueue failed", "rescue_id", id, "error", err)
		}
	} else {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := s.Pipeline.Settle(ctx, resc, bd); err != nil {
				s.logger.Error("inline settlement failed", "rescue_id", id, "error", err)
			}
		}()
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"rescue": resc, "final": bd, "settlement_id": rec.ID})
}

// cancelTarget maps the requesting actor to the terminal status it
// produces.
var cancelTarget = map[models.Actor]models.RescueStatus{
	models.ActorRider:  models.StatusCancelledByRider,
	models.ActorDriver: models.StatusCancelledByDriver,
	models.ActorSystem: models.StatusCancelledBySystem,
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  models.Actor `json:"actor"`
		Reason string       `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Validation("body", err.Error()))
		return
	}
	target, ok := cancelTarget[req.Actor]
	if !ok {
		s.writeError(w, r, apperr.Validation("actor", "must be rider, driver or system"))
		return
	}
	id := mux.Vars(r)["id"]
	resc, err := s.Machine.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resc, err = s.Machine.Transition(r.Context(), rescue.TransitionRequest{
		RescueID: id,
		Expected: resc.Status,
		To:       target,
		Actor:    req.Actor,
		Note:     req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Coordinator.CancelSearch(id)
	s.writeJSON(w, http.StatusOK, resc)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountCents *int64 `json:"amount_cents,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Validation("body", err.Error()))
		return
	}
	var amount *money.Money
	if req.AmountCents != nil {
		m, err := money.New(*req.AmountCents, s.Cfg.Currency)
		if err != nil {
			s.writeError(w, r, apperr.Validation("amount_cents", err.Error()))
			return
		}
		amount = &m
	}
	rec, err := s.Pipeline.Refund(r.Context(), mux.Vars(r)["id"], amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSettlementRetry(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Pipeline.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var upd models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.writeError(w, r, apperr.Validation("body", err.Error()))
		return
	}
	if err := s.Broadcast.Report(r.Context(), upd); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleRescueWS streams ETA updates for one rescue to the rider's app.
func (s *Server) handleRescueWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Machine.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	// drop the server's read/write deadlines; this connection is long-lived
	_ = conn.UnderlyingConn().SetDeadline(time.Time{})

	ch, cancel := s.Broadcast.Subscribe(id)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case upd := <-ch:
			if err := conn.WriteJSON(upd); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// handleDriverWS registers a driver session for offer delivery.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.UnderlyingConn().SetDeadline(time.Time{})
	s.WSReg.Add(id, conn)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.WSReg.Remove(id, conn)
				_ = conn.Close()
				return
			}
		}
	}()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperr.IsValidation(err):
		status = http.StatusBadRequest
	case apperr.IsNotFound(err):
		status = http.StatusNotFound
	case apperr.IsConflict(err):
		status = http.StatusConflict
	case apperr.IsBusinessRule(err):
		status = http.StatusUnprocessableEntity
	case apperr.IsRetryable(err):
		status = http.StatusBadGateway
	}
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
