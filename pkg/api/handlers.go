package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/db"
	"github.com/goran-ethernal/MultiChainIndexor/internal/hub"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/manager"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
)

const (
	defaultLimit    = 100
	maxLimit        = 1000
	maxManifestSize = 1 << 20
)

// Control is the deployment control surface served by the API.
type Control interface {
	AddManifest(ctx context.Context, body []byte, baseDir string) (indexer.DeploymentHash, error)
	CreateIndexer(ctx context.Context, name string, hash indexer.DeploymentHash) (indexer.DeploymentLocator, error)
	Resolve(ctx context.Context, name string) (indexer.DeploymentLocator, error)
	Start(ctx context.Context, loc indexer.DeploymentLocator) error
	Stop(ctx context.Context, loc indexer.DeploymentLocator) error
	Status(ctx context.Context, loc indexer.DeploymentLocator) (*manager.DeploymentStatus, error)
	List(ctx context.Context) ([]*manager.DeploymentStatus, error)
	Entity(ctx context.Context, loc indexer.DeploymentLocator, entityType, id string) (*store.Entity, error)
	Entities(ctx context.Context, loc indexer.DeploymentLocator, q store.Query) ([]store.Entity, error)
}

// Maintainer runs and reports sqlite maintenance.
type Maintainer interface {
	Status() db.MaintenanceStatus
	RunMaintenance(ctx context.Context) error
}

// TopicLister reports broadcast hub topics.
type TopicLister interface {
	Topics() []hub.TopicInfo
}

var _ Control = (*manager.Provider)(nil)

// Handler handles HTTP requests for the API.
type Handler struct {
	control     Control
	topics      TopicLister
	maintenance Maintainer
	log         *logger.Logger
}

// NewHandler creates a new API handler. topics and maintenance may be nil.
func NewHandler(control Control, topics TopicLister, maintenance Maintainer, log *logger.Logger) *Handler {
	return &Handler{
		control:     control,
		topics:      topics,
		maintenance: maintenance,
		log:         log,
	}
}

// Health reports liveness and a per-deployment summary.
// @Summary Health check
// @Description Check API health and the state of every deployment
// @Tags Health
// @Produce json
// @Success 200 {object} HealthResponse "Service is healthy"
// @Failure 500 {object} ErrorResponse "Deployments could not be listed"
// @Router /health [get]
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	list, err := h.control.List(r.Context())
	if err != nil {
		h.log.Errorw("failed to list deployments", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list deployments")
		return
	}

	summaries := make([]DeploymentSummary, 0, len(list))
	for _, st := range list {
		summaries = append(summaries, summarize(st))
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Timestamp:   time.Now(),
		Deployments: summaries,
	})
}

// ListIndexers returns every registered deployment.
// @Summary List deployments
// @Description List every registered deployment with its status and block pointer
// @Tags Indexers
// @Produce json
// @Success 200 {array} DeploymentSummary "Deployments"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Router /indexers [get]
func (h *Handler) ListIndexers(w http.ResponseWriter, r *http.Request) {
	list, err := h.control.List(r.Context())
	if err != nil {
		h.respondControlError(w, err)
		return
	}

	summaries := make([]DeploymentSummary, 0, len(list))
	for _, st := range list {
		summaries = append(summaries, summarize(st))
	}

	respondJSON(w, http.StatusOK, summaries)
}

// GetIndexer returns a single deployment.
// @Summary Get deployment
// @Tags Indexers
// @Produce json
// @Param name path string true "Deployment name"
// @Success 200 {object} DeploymentSummary "Deployment"
// @Failure 404 {object} ErrorResponse "Deployment not found"
// @Router /indexers/{name} [get]
func (h *Handler) GetIndexer(w http.ResponseWriter, r *http.Request) {
	loc, ok := h.resolve(w, r)
	if !ok {
		return
	}

	st, err := h.control.Status(r.Context(), loc)
	if err != nil {
		h.respondControlError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, summarize(st))
}

// AddManifest stores a YAML manifest and returns its hash.
// @Summary Add manifest
// @Description Store a manifest. Relative handler paths resolve against base_dir.
// @Tags Manifests
// @Accept plain
// @Produce json
// @Param base_dir query string false "Directory relative handler paths resolve against"
// @Param manifest body string true "Manifest YAML"
// @Success 201 {object} ManifestResponse "Manifest hash"
// @Failure 400 {object} ErrorResponse "Invalid manifest"
// @Router /manifests [post]
func (h *Handler) AddManifest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxManifestSize+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err))
		return
	}
	if len(body) == 0 {
		respondError(w, http.StatusBadRequest, "manifest body is required")
		return
	}
	if len(body) > maxManifestSize {
		respondError(w, http.StatusRequestEntityTooLarge, "manifest is too large")
		return
	}

	hash, err := h.control.AddManifest(r.Context(), body, r.URL.Query().Get("base_dir"))
	if err != nil {
		h.respondControlError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, ManifestResponse{Hash: hash.String()})
}

// CreateIndexer registers a deployment of a stored manifest.
// @Summary Create deployment
// @Description Register name as a deployment of a stored manifest. The deployment is not started.
// @Tags Indexers
// @Accept json
// @Produce json
// @Param request body CreateIndexerRequest true "Deployment name and manifest hash"
// @Success 201 {object} DeploymentLocatorResponse "Created deployment"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 404 {object} ErrorResponse "Manifest not found"
// @Failure 409 {object} ErrorResponse "Name used by a running deployment"
// @Router /indexers [post]
func (h *Handler) CreateIndexer(w http.ResponseWriter, r *http.Request) {
	var req CreateIndexerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	hash := indexer.DeploymentHash(req.Hash)
	if !hash.IsValid() {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid manifest hash %q", req.Hash))
		return
	}

	loc, err := h.control.CreateIndexer(r.Context(), req.Name, hash)
	if err != nil {
		h.respondControlError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, DeploymentLocatorResponse{
		Name: req.Name,
		ID:   loc.ID,
		Hash: loc.Hash.String(),
	})
}

// StartIndexer starts a deployment.
// @Summary Start deployment
// @Tags Indexers
// @Produce json
// @Param name path string true "Deployment name"
// @Success 202 {object} DeploymentSummary "Deployment starting"
// @Failure 404 {object} ErrorResponse "Deployment not found"
// @Failure 409 {object} ErrorResponse "Already running, locked or invalid"
// @Router /indexers/{name}/start [post]
func (h *Handler) StartIndexer(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, http.StatusAccepted, h.control.Start)
}

// StopIndexer stops a deployment and waits for it to exit.
// @Summary Stop deployment
// @Tags Indexers
// @Produce json
// @Param name path string true "Deployment name"
// @Success 200 {object} DeploymentSummary "Deployment stopped"
// @Failure 404 {object} ErrorResponse "Deployment not found"
// @Failure 409 {object} ErrorResponse "Deployment is not running"
// @Router /indexers/{name}/stop [post]
func (h *Handler) StopIndexer(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, http.StatusOK, h.control.Stop)
}

// apply resolves the deployment, applies op and responds with its status.
func (h *Handler) apply(
	w http.ResponseWriter,
	r *http.Request,
	status int,
	op func(context.Context, indexer.DeploymentLocator) error,
) {
	loc, ok := h.resolve(w, r)
	if !ok {
		return
	}

	if err := op(r.Context(), loc); err != nil {
		h.respondControlError(w, err)
		return
	}

	st, err := h.control.Status(r.Context(), loc)
	if err != nil {
		h.respondControlError(w, err)
		return
	}

	respondJSON(w, status, summarize(st))
}

// GetEntities lists entities of one type.
// @Summary Query entities
// @Description List entities of one type. Extra query parameters filter top-level data fields by equality.
// @Tags Entities
// @Produce json
// @Param name path string true "Deployment name"
// @Param type path string true "Entity type"
// @Param limit query int false "Maximum number of entities to return" default(100)
// @Param offset query int false "Number of entities to skip" default(0)
// @Success 200 {object} EntitiesResponse "Entities"
// @Failure 400 {object} ErrorResponse "Invalid parameters"
// @Failure 404 {object} ErrorResponse "Deployment not found"
// @Router /indexers/{name}/entities/{type} [get]
func (h *Handler) GetEntities(w http.ResponseWriter, r *http.Request) {
	q, err := parseEntityQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid query parameters: %v", err))
		return
	}

	loc, ok := h.resolve(w, r)
	if !ok {
		return
	}

	entities, err := h.control.Entities(r.Context(), loc, q)
	if err != nil {
		h.respondControlError(w, err)
		return
	}
	if entities == nil {
		entities = []store.Entity{}
	}

	respondJSON(w, http.StatusOK, EntitiesResponse{
		Entities: entities,
		Pagination: PaginationResult{
			Limit:   q.Limit,
			Offset:  q.Offset,
			HasMore: len(entities) == q.Limit,
		},
	})
}

// GetEntity returns one entity.
// @Summary Get entity
// @Tags Entities
// @Produce json
// @Param name path string true "Deployment name"
// @Param type path string true "Entity type"
// @Param id path string true "Entity id"
// @Success 200 {object} store.Entity "Entity"
// @Failure 404 {object} ErrorResponse "Deployment or entity not found"
// @Router /indexers/{name}/entities/{type}/{id} [get]
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	loc, ok := h.resolve(w, r)
	if !ok {
		return
	}

	entity, err := h.control.Entity(r.Context(), loc, r.PathValue("type"), r.PathValue("id"))
	if err != nil {
		h.respondControlError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, entity)
}

// ListTopics reports broadcast hub topics.
// @Summary List hub topics
// @Description Subscriber and publish counters per chain topic
// @Tags Hub
// @Produce json
// @Success 200 {array} hub.TopicInfo "Topics"
// @Router /hub/topics [get]
func (h *Handler) ListTopics(w http.ResponseWriter, _ *http.Request) {
	topics := []hub.TopicInfo{}
	if h.topics != nil {
		topics = append(topics, h.topics.Topics()...)
	}

	respondJSON(w, http.StatusOK, topics)
}

// GetMaintenance reports the last sqlite maintenance pass.
// @Summary Maintenance status
// @Description Runs, last error and per-step results of the last maintenance pass
// @Tags Maintenance
// @Produce json
// @Success 200 {object} MaintenanceResponse "Maintenance status"
// @Router /maintenance [get]
func (h *Handler) GetMaintenance(w http.ResponseWriter, _ *http.Request) {
	if h.maintenance == nil {
		respondJSON(w, http.StatusOK, MaintenanceResponse{Steps: []MaintenanceStep{}})
		return
	}

	respondJSON(w, http.StatusOK, maintenanceResponse(h.maintenance.Status()))
}

// RunMaintenance runs a maintenance pass now. The pass always vacuums.
// @Summary Run maintenance
// @Description Checkpoint, optimize and vacuum the database, blocking store operations meanwhile
// @Tags Maintenance
// @Produce json
// @Success 200 {object} MaintenanceResponse "Pass completed"
// @Failure 500 {object} ErrorResponse "Pass failed"
// @Failure 503 {object} ErrorResponse "Maintenance is not configured"
// @Router /maintenance [post]
func (h *Handler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	if h.maintenance == nil {
		respondError(w, http.StatusServiceUnavailable, "maintenance is not configured")
		return
	}

	if err := h.maintenance.RunMaintenance(r.Context()); err != nil {
		h.log.Errorw("maintenance pass failed", "error", err)
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("maintenance failed: %v", err))
		return
	}

	respondJSON(w, http.StatusOK, maintenanceResponse(h.maintenance.Status()))
}

func maintenanceResponse(st db.MaintenanceStatus) MaintenanceResponse {
	resp := MaintenanceResponse{
		Enabled: true,
		Runs:    st.Runs,
		Steps:   make([]MaintenanceStep, 0, len(st.Steps)),
	}
	if !st.LastRun.IsZero() {
		lastRun := st.LastRun
		resp.LastRun = &lastRun
	}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}

	for _, step := range st.Steps {
		s := MaintenanceStep{
			Name:       step.Name,
			Skipped:    step.Skipped,
			DurationMs: step.Duration.Milliseconds(),
		}
		if step.Err != nil {
			s.Error = step.Err.Error()
		}
		resp.Steps = append(resp.Steps, s)
	}

	return resp
}

// resolve looks up the deployment named in the path and responds on failure.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (indexer.DeploymentLocator, bool) {
	name := r.PathValue("name")
	if name == "" {
		respondError(w, http.StatusBadRequest, "indexer name is required")
		return indexer.DeploymentLocator{}, false
	}

	loc, err := h.control.Resolve(r.Context(), name)
	if err != nil {
		h.respondControlError(w, err)
		return indexer.DeploymentLocator{}, false
	}

	return loc, true
}

// respondControlError maps control errors to HTTP status codes.
func (h *Handler) respondControlError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Errorw("request failed", "error", err)
		respondError(w, status, "internal error")
		return
	}

	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrDeploymentNotFound),
		errors.Is(err, manager.ErrManifestNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrAlreadyRunning),
		errors.Is(err, manager.ErrNotRunning),
		errors.Is(err, manager.ErrNameTaken),
		errors.Is(err, manager.ErrLocked),
		errors.Is(err, manager.ErrInvalidDeployment):
		return http.StatusConflict
	case errors.Is(err, indexer.ErrInvalidManifest):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// parseEntityQuery parses pagination and field filters for an entity query.
func parseEntityQuery(r *http.Request) (store.Query, error) {
	q := store.Query{
		Type:  r.PathValue("type"),
		Limit: defaultLimit,
	}
	if q.Type == "" {
		return q, errors.New("entity type is required")
	}

	for key, values := range r.URL.Query() {
		value := values[0]
		switch key {
		case "limit":
			limit, err := strconv.Atoi(value)
			if err != nil || limit < 1 || limit > maxLimit {
				return q, fmt.Errorf("invalid limit: must be between 1 and %d", maxLimit)
			}
			q.Limit = limit
		case "offset":
			offset, err := strconv.Atoi(value)
			if err != nil || offset < 0 {
				return q, errors.New("invalid offset: must be non-negative")
			}
			q.Offset = offset
		default:
			if q.Where == nil {
				q.Where = make(map[string]any)
			}
			q.Where[key] = value
		}
	}

	return q, nil
}

func summarize(st *manager.DeploymentStatus) DeploymentSummary {
	s := DeploymentSummary{
		Name:      st.Name,
		ID:        st.Locator.ID,
		Hash:      st.Locator.Hash.String(),
		ChainType: string(st.ChainType),
		Network:   st.Network,
		Status:    string(st.Status),
		Failure:   st.Failure,
		Running:   st.Running,
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
	}
	if st.BlockPtr != nil {
		s.BlockNumber = &st.BlockPtr.Number
		s.BlockHash = st.BlockPtr.Hash
	}

	return s
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")

	// encode first so a failure can still change the status
	encoded, err := json.Marshal(data)
	if err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	_, _ = w.Write(encoded)
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	}
	respondJSON(w, status, response)
}
