package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/outpost-sync/outpost/internal/models"
	"github.com/outpost-sync/outpost/internal/repositories"
	"github.com/outpost-sync/outpost/internal/services"
	"go.uber.org/zap"
)

type Handlers struct {
	registry  *services.RegistryService
	queue     *services.QueueService
	engine    *services.SyncEngine
	cache     *services.CacheService
	modelsSvc *services.ModelService
	resolver  *services.ConflictService
	analytics *services.AnalyticsService
	logger    *zap.Logger
}

func NewHandlers(
	registry *services.RegistryService,
	queue *services.QueueService,
	engine *services.SyncEngine,
	cache *services.CacheService,
	modelsSvc *services.ModelService,
	resolver *services.ConflictService,
	analytics *services.AnalyticsService,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		registry:  registry,
		queue:     queue,
		engine:    engine,
		cache:     cache,
		modelsSvc: modelsSvc,
		resolver:  resolver,
		analytics: analytics,
		logger:    logger,
	}
}

type registerDeviceRequest struct {
	DeviceID     *uuid.UUID              `json:"device_id,omitempty"`
	UserID       *uuid.UUID              `json:"user_id,omitempty"`
	Capabilities models.CapabilityVector `json:"capabilities"`
	QuotaBytes   int64                   `json:"quota_bytes"`
}

func (h *Handlers) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reg := services.Registration{
		UserID:       req.UserID,
		Capabilities: req.Capabilities,
		QuotaBytes:   req.QuotaBytes,
	}
	if req.DeviceID != nil {
		reg.DeviceID = *req.DeviceID
	}

	id, err := h.registry.Register(r.Context(), reg)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"device_id": id.String()})
}

func (h *Handlers) GetDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := parseDeviceID(w, r)
	if !ok {
		return
	}
	status, err := h.registry.GetStatus(r.Context(), deviceID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type setOnlineRequest struct {
	Online bool `json:"online"`
}

func (h *Handlers) SetOnlineStatus(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := parseDeviceID(w, r)
	if !ok {
		return
	}
	var req setOnlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.registry.SetOnline(r.Context(), deviceID, req.Online); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": req.Online})
}

type enqueueEventRequest struct {
	EventID         *uuid.UUID      `json:"event_id,omitempty"`
	EventType       string          `json:"event_type"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Payload         json.RawMessage `json:"payload"`
	Priority        int             `json:"priority,omitempty"`
	ClientTimestamp time.Time       `json:"client_timestamp,omitempty"`
	TTLSeconds      int64           `json:"ttl_seconds,omitempty"`
}

func (h *Handlers) EnqueueEvent(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := parseDeviceID(w, r)
	if !ok {
		return
	}
	var req enqueueEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	enq := services.EnqueueRequest{
		DeviceID:        deviceID,
		EventType:       req.EventType,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		Payload:         req.Payload,
		Priority:        req.Priority,
		ClientTimestamp: req.ClientTimestamp,
		TTL:             time.Duration(req.TTLSeconds) * time.Second,
	}
	if req.EventID != nil {
		enq.EventID = *req.EventID
	}

	id, err := h.queue.Enqueue(r.Context(), enq)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"queue_id": id.String()})
}

func (h *Handlers) SyncDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := parseDeviceID(w, r)
	if !ok {
		return
	}
	report, err := h.engine.SyncDevice(r.Context(), deviceID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type putCacheRequest struct {
	Payload       []byte `json:"payload"`
	Priority      int    `json:"priority,omitempty"`
	SourceVersion int64  `json:"source_version,omitempty"`
	TTLSeconds    int64  `json:"ttl_seconds,omitempty"`
}

func (h *Handlers) PutCacheEntry(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := parseDeviceID(w, r)
	if !ok {
		return
	}
	var req putCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.cache.Put(r.Context(), services.CachePutRequest{
		DeviceID:      deviceID,
		ContentType:   chi.URLParam(r, "contentType"),
		ContentID:     chi.URLParam(r, "contentID"),
		Payload:       req.Payload,
		Priority:      req.Priority,
		SourceVersion: req.SourceVersion,
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cache_id": id.String()})
}

func (h *Handlers) GetCacheEntry(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := parseDeviceID(w, r)
	if !ok {
		return
	}

	var sourceVersion int64
	if raw := r.URL.Query().Get("source_version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid source_version")
			return
		}
		sourceVersion = v
	}

	key := models.CacheKey{
		DeviceID:    deviceID,
		ContentType: chi.URLParam(r, "contentType"),
		ContentID:   chi.URLParam(r, "contentID"),
	}
	entry, err := h.cache.Get(r.Context(), key, sourceVersion)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handlers) ListCompatibleModels(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := parseDeviceID(w, r)
	if !ok {
		return
	}
	status, err := h.registry.GetStatus(r.Context(), deviceID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	modelType := r.URL.Query().Get("type")
	if best := r.URL.Query().Get("best"); best == "true" && modelType != "" {
		preferSpeed := r.URL.Query().Get("prefer_speed") == "true"
		descriptor, err := h.modelsSvc.SelectBest(r.Context(), modelType, status.Device.Capabilities, preferSpeed)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, descriptor)
		return
	}

	descriptors, err := h.modelsSvc.ListCompatible(r.Context(), status.Device.Capabilities)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if modelType != "" {
		filtered := descriptors[:0]
		for _, d := range descriptors {
			if d.Type == modelType {
				filtered = append(filtered, d)
			}
		}
		descriptors = filtered
	}
	writeJSON(w, http.StatusOK, descriptors)
}

func (h *Handlers) ListConflicts(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := parseDeviceID(w, r)
	if !ok {
		return
	}
	conflicts, err := h.resolver.ListUnresolved(r.Context(), deviceID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type resolveConflictRequest struct {
	Strategy models.ResolutionStrategy `json:"strategy"`
}

func (h *Handlers) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	conflictID, err := uuid.Parse(chi.URLParam(r, "conflictID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conflict id")
		return
	}
	var req resolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conflict, err := h.resolver.ResolveByID(r.Context(), conflictID, req.Strategy)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

type trackEventRequest struct {
	SessionID       string    `json:"session_id,omitempty"`
	Category        string    `json:"category"`
	Action          string    `json:"action"`
	Label           string    `json:"label,omitempty"`
	Value           float64   `json:"value,omitempty"`
	ClientTimestamp time.Time `json:"client_timestamp,omitempty"`
}

// TrackAnalytics accepts a batch of telemetry events. Buffering is lossy
// by design, so acceptance only means the events were taken, not stored.
func (h *Handlers) TrackAnalytics(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := parseDeviceID(w, r)
	if !ok {
		return
	}
	var reqs []trackEventRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	for _, req := range reqs {
		err := h.analytics.Track(services.TrackRequest{
			DeviceID:        deviceID,
			SessionID:       req.SessionID,
			Category:        req.Category,
			Action:          req.Action,
			Label:           req.Label,
			Value:           req.Value,
			ClientTimestamp: req.ClientTimestamp,
		})
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(reqs)})
}

func (h *Handlers) PublishModel(w http.ResponseWriter, r *http.Request) {
	var descriptor models.EdgeModelDescriptor
	if err := json.NewDecoder(r.Body).Decode(&descriptor); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	descriptor.Active = true

	if err := h.modelsSvc.Publish(r.Context(), &descriptor); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, descriptor)
}

func (h *Handlers) DeprecateModel(w http.ResponseWriter, r *http.Request) {
	if err := h.modelsSvc.Deprecate(r.Context(), chi.URLParam(r, "modelID")); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseDeviceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrValidation), errors.Is(err, services.ErrUnknownStrategy):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repositories.ErrNotFound), errors.Is(err, services.ErrNoCompatibleModel):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrSyncInProgress),
		errors.Is(err, services.ErrDeviceOffline),
		errors.Is(err, services.ErrIntegrity),
		errors.Is(err, services.ErrConflictResolved):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
