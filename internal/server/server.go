package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/ratefit/internal/calibrate"
	"github.com/copyleftdev/ratefit/internal/config"
	apierrors "github.com/copyleftdev/ratefit/internal/errors"
	"github.com/copyleftdev/ratefit/internal/logging"
	"github.com/copyleftdev/ratefit/internal/memo"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// JobRecorder receives job lifecycle events, typically metrics.
type JobRecorder interface {
	JobStarted()
	JobFinished(status string)
}

type nopRecorder struct{}

func (nopRecorder) JobStarted()        {}
func (nopRecorder) JobFinished(string) {}

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// CalibrationState represents the state of a calibration job.
// Fields are guarded by the server's job mutex.
type CalibrationState struct {
	ID          string
	Status      string
	Request     calibrate.Request
	StartTime   time.Time
	EndTime     *time.Time
	Progress    *calibrate.Progress
	Result      *calibrate.Result
	Err         error
	CancelFunc  context.CancelFunc
	LastUpdated time.Time
}

func (s *CalibrationState) terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Server implements the HTTP and JSON-RPC API of the calibration service.
// It manages calibration jobs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg        *config.Config
	logger     Logger
	calibrator *calibrate.Calibrator
	recorder   JobRecorder

	// Calibration state management
	jobs   map[string]*CalibrationState
	jobsMu sync.RWMutex // Protects the jobs map and job states
	slots  chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithJobRecorder registers a JobRecorder.
func WithJobRecorder(r JobRecorder) Option {
	return func(s *Server) {
		if r != nil {
			s.recorder = r
		}
	}
}

// NewServer creates a server running jobs on calibrator. At most
// cfg.Search.MaxJobs calibrations run at once; the rest stay pending.
func NewServer(cfg *config.Config, logger Logger, calibrator *calibrate.Calibrator, opts ...Option) *Server {
	maxJobs := cfg.Search.MaxJobs
	if maxJobs < 1 {
		maxJobs = 1
	}
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		calibrator: calibrator,
		recorder:   nopRecorder{},
		jobs:       make(map[string]*CalibrationState),
		slots:      make(chan struct{}, maxJobs),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/calibrate", s.handleCalibrate)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/calibration/{id}", s.handleCancel)
		r.Get("/cache", s.handleCache)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// calibrationParams is the body of a start request. Omitted fields take the
// configured defaults.
type calibrationParams struct {
	Targets     []float64 `json:"targets"`
	Lower       *float64  `json:"lower,omitempty"`
	Upper       *float64  `json:"upper,omitempty"`
	Threads     *int      `json:"threads,omitempty"`
	Tolerance   *float64  `json:"tolerance,omitempty"`
	MaxRounds   *int      `json:"max_rounds,omitempty"`
	Method      string    `json:"method,omitempty"`
	EvalTimeout string    `json:"eval_timeout,omitempty"`
}

func (p calibrationParams) request(defaults calibrate.Request) (calibrate.Request, error) {
	req := defaults
	req.Targets = p.Targets
	if p.Lower != nil {
		req.Lower = *p.Lower
	}
	if p.Upper != nil {
		req.Upper = *p.Upper
	}
	if p.Threads != nil {
		req.Threads = *p.Threads
	}
	if p.Tolerance != nil {
		req.Tolerance = *p.Tolerance
	}
	if p.MaxRounds != nil {
		req.MaxRounds = *p.MaxRounds
	}
	if p.Method != "" {
		m, err := calibrate.ParseMethod(p.Method)
		if err != nil {
			return req, apierrors.BadRequest(err, "invalid method")
		}
		req.Method = m
	}
	if p.EvalTimeout != "" {
		d, err := time.ParseDuration(p.EvalTimeout)
		if err != nil || d < 0 {
			return req, apierrors.BadRequest(err, fmt.Sprintf("invalid eval_timeout %q", p.EvalTimeout))
		}
		req.Timeout = d
	}
	if err := req.Validate(); err != nil {
		return req, apierrors.BadRequest(err, "invalid calibration request")
	}
	return req, nil
}

type idParams struct {
	ID string `json:"calibration_id"`
}

type startResponse struct {
	ID     string `json:"calibration_id"`
	Status string `json:"status"`
}

type statusResponse struct {
	ID         string                   `json:"calibration_id"`
	Status     string                   `json:"status"`
	Method     calibrate.Method         `json:"method,omitempty"`
	Targets    []float64                `json:"targets"`
	StartTime  string                   `json:"start_time"`
	LastUpdate string                   `json:"last_update"`
	EndTime    string                   `json:"end_time,omitempty"`
	Progress   *calibrate.Progress      `json:"progress,omitempty"`
	Results    []calibrate.TargetResult `json:"results,omitempty"`
	Cache      *memo.Stats              `json:"cache,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

type cachePoint struct {
	Lambda float64 `json:"lambda"`
	Bytes  float64 `json:"bytes"`
	Rate   float64 `json:"rate"`
}

type cacheSummary struct {
	Count     int     `json:"count"`
	MinLambda float64 `json:"min_lambda,omitempty"`
	MaxLambda float64 `json:"max_lambda,omitempty"`
	MeanRate  float64 `json:"mean_rate,omitempty"`
	StdRate   float64 `json:"std_rate,omitempty"`
}

type cacheResponse struct {
	Unit    string       `json:"unit"`
	Points  []cachePoint `json:"points"`
	Summary cacheSummary `json:"summary"`
	Stats   memo.Stats   `json:"stats"`
}

// startCalibration validates the parameters, registers a job and starts it
// in a goroutine.
func (s *Server) startCalibration(p calibrationParams) (*startResponse, error) {
	req, err := p.request(s.cfg.DefaultRequest())
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	state := &CalibrationState{
		ID:          id,
		Status:      StatusPending,
		Request:     req,
		StartTime:   now,
		CancelFunc:  cancel,
		LastUpdated: now,
	}

	s.jobsMu.Lock()
	s.jobs[id] = state
	s.jobsMu.Unlock()

	s.logger.Info("Calibration queued", map[string]interface{}{
		"calibration_id": id,
		"targets":        req.Targets,
		"method":         string(req.Method),
		"threads":        req.Threads,
	})

	s.recorder.JobStarted()
	s.wg.Add(1)
	go s.runCalibration(ctx, state)

	return &startResponse{ID: id, Status: StatusPending}, nil
}

// runCalibration executes the calibration once a job slot is free.
func (s *Server) runCalibration(ctx context.Context, state *CalibrationState) {
	defer s.wg.Done()

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		s.finish(state, nil, ctx.Err())
		return
	}

	s.jobsMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
		state.LastUpdated = time.Now()
	}
	req := state.Request
	s.jobsMu.Unlock()

	req.OnProgress = func(p calibrate.Progress) {
		s.jobsMu.Lock()
		defer s.jobsMu.Unlock()
		state.Progress = &p
		state.LastUpdated = time.Now()
	}

	result, err := s.calibrator.Calibrate(ctx, req)
	s.finish(state, result, err)
}

func (s *Server) finish(state *CalibrationState, result *calibrate.Result, err error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	state.Result = result
	now := time.Now()
	state.LastUpdated = now
	if state.EndTime == nil {
		state.EndTime = &now
	}

	switch {
	case state.Status == StatusCancelled:
		// cancelled by request; keep the partial result
	case err != nil:
		state.Status = StatusFailed
		state.Err = err
		s.logger.Error("Calibration failed", map[string]interface{}{
			"calibration_id": state.ID,
			"error":          err.Error(),
		})
	default:
		state.Status = StatusCompleted
		s.logger.Info("Calibration completed", map[string]interface{}{
			"calibration_id": state.ID,
			"targets":        len(result.Targets),
			"elapsed_ms":     result.Elapsed.Milliseconds(),
		})
	}
	s.recorder.JobFinished(state.Status)
}

// calibrationStatus returns a snapshot of the job.
func (s *Server) calibrationStatus(p idParams) (*statusResponse, error) {
	if p.ID == "" {
		return nil, apierrors.BadRequest(nil, "calibration_id is required")
	}

	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	state, exists := s.jobs[p.ID]
	if !exists {
		return nil, apierrors.NotFound("calibration not found")
	}

	resp := &statusResponse{
		ID:         state.ID,
		Status:     state.Status,
		Targets:    state.Request.Targets,
		StartTime:  state.StartTime.Format(time.RFC3339),
		LastUpdate: state.LastUpdated.Format(time.RFC3339),
	}
	if state.EndTime != nil {
		resp.EndTime = state.EndTime.Format(time.RFC3339)
	}
	if state.Progress != nil {
		p := *state.Progress
		resp.Progress = &p
	}
	if state.Result != nil {
		resp.Method = state.Result.Method
		resp.Results = state.Result.Targets
		stats := state.Result.Cache
		resp.Cache = &stats
	}
	if state.Err != nil {
		resp.Error = state.Err.Error()
	}
	return resp, nil
}

// cancelCalibration cancels a pending or running job.
func (s *Server) cancelCalibration(p idParams) error {
	if p.ID == "" {
		return apierrors.BadRequest(nil, "calibration_id is required")
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	state, exists := s.jobs[p.ID]
	if !exists {
		return apierrors.NotFound("calibration not found")
	}
	if state.terminal() {
		return apierrors.Conflict(fmt.Sprintf("cannot cancel calibration with status: %s", state.Status))
	}

	state.CancelFunc()
	state.Status = StatusCancelled
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now

	s.logger.Info("Calibration cancelled", map[string]interface{}{
		"calibration_id": p.ID,
	})
	return nil
}

// cachePoints lists the memoized measurements with a summary.
func (s *Server) cachePoints(ctx context.Context) (*cacheResponse, error) {
	m := s.calibrator.Memo()
	points, err := m.Points(ctx)
	if err != nil {
		return nil, apierrors.Internal(err)
	}

	rate := s.calibrator.Rate()
	resp := &cacheResponse{
		Unit:   string(rate.Unit),
		Points: make([]cachePoint, len(points)),
		Stats:  m.Stats(),
	}
	lambdas := make([]float64, len(points))
	rates := make([]float64, len(points))
	for i, p := range points {
		r := rate.Convert(p.Value)
		resp.Points[i] = cachePoint{Lambda: p.X, Bytes: p.Value, Rate: r}
		lambdas[i] = p.X
		rates[i] = r
	}

	resp.Summary.Count = len(points)
	if len(points) > 0 {
		resp.Summary.MinLambda = floats.Min(lambdas)
		resp.Summary.MaxLambda = floats.Max(lambdas)
		resp.Summary.MeanRate = stat.Mean(rates, nil)
	}
	if len(points) > 1 {
		resp.Summary.StdRate = stat.StdDev(rates, nil)
	}
	return resp, nil
}

// Close cancels all running calibrations and waits for them to stop.
func (s *Server) Close() error {
	s.jobsMu.Lock()
	for _, job := range s.jobs {
		if job.CancelFunc != nil {
			job.CancelFunc()
		}
	}
	s.jobsMu.Unlock()

	s.wg.Wait()
	return nil
}

// rpcRequest is a JSON-RPC 2.0 request. Params carry one object, either
// bare or as the single element of an array.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return apierrors.BadRequest(nil, "missing required parameters")
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return apierrors.BadRequest(nil, "missing required parameters")
		}
		raw = list[0]
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apierrors.BadRequest(err, "invalid parameter format, expected object")
	}
	return nil
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, apierrors.CodeParseError, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, apierrors.CodeInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case "calibration.start":
		var p calibrationParams
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.startCalibration(p)
		}
	case "calibration.status":
		var p idParams
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.calibrationStatus(p)
		}
	case "calibration.cancel":
		var p idParams
		if err = decodeParams(request.Params, &p); err == nil {
			if err = s.cancelCalibration(p); err == nil {
				result = map[string]string{"status": "cancellation requested"}
			}
		}
	case "cache.points":
		result, err = s.cachePoints(r.Context())
	default:
		s.respondWithError(w, apierrors.CodeMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		e := apierrors.From(err)
		s.respondWithError(w, e.Code, e.Error(), request.ID)
		return
	}

	// Send successful response
	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("RPC error", map[string]interface{}{
		"code":    code,
		"message": message,
	})

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleCalibrate handles POST /api/v1/calibrate
func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var p calibrationParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		apierrors.WriteJSON(w, apierrors.BadRequest(err, "invalid request body"))
		return
	}

	result, err := s.startCalibration(p)
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleStatus handles GET /api/v1/status/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.calibrationStatus(idParams{ID: chi.URLParam(r, "id")})
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCancel handles DELETE /api/v1/calibration/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cancelCalibration(idParams{ID: chi.URLParam(r, "id")}); err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "cancellation requested",
	})
}

// handleCache handles GET /api/v1/cache
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	result, err := s.cachePoints(r.Context())
	if err != nil {
		if stderrors.Is(err, context.Canceled) {
			return
		}
		apierrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
