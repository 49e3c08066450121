package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/broadcast-lab/internal/domain"
	"github.com/ignite/broadcast-lab/internal/pkg/httputil"
	"github.com/ignite/broadcast-lab/internal/service/experiment"
)

// ExperimentHandler serves the A/B test endpoints.
type ExperimentHandler struct {
	svc *experiment.Service
}

// NewExperimentHandler creates the handler over the experiment service.
func NewExperimentHandler(svc *experiment.Service) *ExperimentHandler {
	return &ExperimentHandler{svc: svc}
}

// RegisterRoutes mounts the A/B test routes.
func (h *ExperimentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/ab-tests", func(r chi.Router) {
		r.Get("/", h.HandleListTests)
		r.Post("/", h.HandleCreateTest)

		r.Route("/{testID}", func(r chi.Router) {
			r.Get("/", h.HandleGetTest)
			r.Get("/variants", h.HandleListVariants)

			// Actions
			r.Post("/start", h.HandleStartTest)
			r.Post("/cancel", h.HandleCancelTest)
			r.Post("/select-winner", h.HandleSelectWinner)
			r.Post("/send-winner", h.HandleSendWinner)

			// Analytics & tracking
			r.Get("/results", h.HandleGetResults)
			r.Post("/events", h.HandleRecordEvent)
		})
	})
}

// HandleCreateTest creates a draft test with its two variants.
// POST /api/ab-tests
func (h *ExperimentHandler) HandleCreateTest(w http.ResponseWriter, r *http.Request) {
	var input experiment.CreateInput
	if !httputil.Decode(w, r, &input) {
		return
	}

	t, err := h.svc.CreateTest(r.Context(), input)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Created(w, t)
}

// HandleListTests lists tests, optionally filtered by status.
// GET /api/ab-tests?status=running&limit=50
func (h *ExperimentHandler) HandleListTests(w http.ResponseWriter, r *http.Request) {
	status := domain.TestStatus(r.URL.Query().Get("status"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	tests, err := h.svc.ListTests(r.Context(), status, limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"tests": tests, "count": len(tests)})
}

// HandleGetTest returns a single test.
// GET /api/ab-tests/{testID}
func (h *ExperimentHandler) HandleGetTest(w http.ResponseWriter, r *http.Request) {
	id, ok := testID(w, r)
	if !ok {
		return
	}
	t, err := h.svc.GetTest(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, t)
}

// HandleListVariants returns the test's variants in order.
// GET /api/ab-tests/{testID}/variants
func (h *ExperimentHandler) HandleListVariants(w http.ResponseWriter, r *http.Request) {
	id, ok := testID(w, r)
	if !ok {
		return
	}
	variants, err := h.svc.Variants(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"variants": variants})
}

// HandleStartTest starts the pilot delivery.
// POST /api/ab-tests/{testID}/start
func (h *ExperimentHandler) HandleStartTest(w http.ResponseWriter, r *http.Request) {
	id, ok := testID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.StartPilot(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, res)
}

// HandleCancelTest cancels a test.
// POST /api/ab-tests/{testID}/cancel
func (h *ExperimentHandler) HandleCancelTest(w http.ResponseWriter, r *http.Request) {
	id, ok := testID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Cancel(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, res)
}

// HandleSelectWinner runs winner selection now. The service still applies
// its own guards, so an early trigger observes or extends instead of
// picking prematurely.
// POST /api/ab-tests/{testID}/select-winner
func (h *ExperimentHandler) HandleSelectWinner(w http.ResponseWriter, r *http.Request) {
	id, ok := testID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.SelectWinner(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, res)
}

// HandleSendWinner sends the winning variant to the remaining audience.
// POST /api/ab-tests/{testID}/send-winner
func (h *ExperimentHandler) HandleSendWinner(w http.ResponseWriter, r *http.Request) {
	id, ok := testID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.StartWinnerDrip(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, res)
}

// HandleGetResults returns per-variant metrics and the leaderboard.
// GET /api/ab-tests/{testID}/results
func (h *ExperimentHandler) HandleGetResults(w http.ResponseWriter, r *http.Request) {
	id, ok := testID(w, r)
	if !ok {
		return
	}
	report, err := h.svc.Analyze(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, report)
}

type recordEventInput struct {
	UserID   int64                  `json:"user_id"`
	Type     string                 `json:"type"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// HandleRecordEvent records an engagement event for a user's assignment.
// Repeats of the same event type are acknowledged but not double-counted.
// POST /api/ab-tests/{testID}/events
func (h *ExperimentHandler) HandleRecordEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := testID(w, r)
	if !ok {
		return
	}
	var input recordEventInput
	if !httputil.Decode(w, r, &input) {
		return
	}
	if input.UserID == 0 {
		httputil.BadRequest(w, "user_id is required")
		return
	}

	recorded, err := h.svc.RecordEvent(r.Context(), id, input.UserID, domain.EventType(input.Type), input.Metadata)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"recorded": recorded})
}

func testID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "testID"))
	if err != nil {
		httputil.BadRequest(w, "invalid test ID")
		return uuid.Nil, false
	}
	return id, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	var verr *experiment.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.BadRequest(w, verr.Error())
	case errors.Is(err, experiment.ErrNotFound):
		httputil.NotFound(w, "test not found")
	default:
		httputil.InternalError(w, err)
	}
}
