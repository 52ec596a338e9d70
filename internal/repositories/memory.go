package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/outpost-sync/outpost/internal/models"
)

// In-memory implementations of the repository interfaces, used by service
// tests and by single-process deployments without external stores. Each is
// goroutine-safe behind its own mutex.

type MemoryDeviceRepository struct {
	mu      sync.RWMutex
	devices map[uuid.UUID]*models.Device
}

func NewMemoryDeviceRepository() *MemoryDeviceRepository {
	return &MemoryDeviceRepository{devices: make(map[uuid.UUID]*models.Device)}
}

func (r *MemoryDeviceRepository) Upsert(_ context.Context, device *models.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if existing, ok := r.devices[device.ID]; ok {
		existing.UserID = device.UserID
		existing.Capabilities = device.Capabilities.Clone()
		existing.QuotaBytes = device.QuotaBytes
		existing.RetiredAt = nil
		existing.UpdatedAt = &now
		device.CreatedAt = existing.CreatedAt
		device.UpdatedAt = existing.UpdatedAt
		return nil
	}

	stored := *device
	stored.Capabilities = device.Capabilities.Clone()
	stored.CreatedAt = now
	r.devices[device.ID] = &stored
	device.CreatedAt = now
	return nil
}

func (r *MemoryDeviceRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *device
	copied.Capabilities = device.Capabilities.Clone()
	return &copied, nil
}

func (r *MemoryDeviceRepository) SetOnline(_ context.Context, id uuid.UUID, online bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[id]
	if !ok {
		return ErrNotFound
	}
	device.Online = online
	if online {
		device.LastOnlineAt = &at
	}
	now := time.Now()
	device.UpdatedAt = &now
	return nil
}

func (r *MemoryDeviceRepository) UpdateSyncStats(_ context.Context, id uuid.UUID, lastSync time.Time, consecutiveErrors int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[id]
	if !ok {
		return ErrNotFound
	}
	device.LastSyncAt = &lastSync
	device.ConsecutiveErrors = consecutiveErrors
	now := time.Now()
	device.UpdatedAt = &now
	return nil
}

func (r *MemoryDeviceRepository) RetireInactive(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var retired int64
	now := time.Now()
	for _, device := range r.devices {
		if device.RetiredAt != nil || device.Online {
			continue
		}
		lastSeen := device.CreatedAt
		if device.LastOnlineAt != nil {
			lastSeen = *device.LastOnlineAt
		}
		if lastSeen.Before(cutoff) {
			device.RetiredAt = &now
			retired++
		}
	}
	return retired, nil
}

type MemoryQueueEventRepository struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*models.QueueEvent
}

func NewMemoryQueueEventRepository() *MemoryQueueEventRepository {
	return &MemoryQueueEventRepository{events: make(map[uuid.UUID]*models.QueueEvent)}
}

func (r *MemoryQueueEventRepository) Create(_ context.Context, event *models.QueueEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Mirrors the partial unique index on (device_id, content_hash):
	// only terminally failed events may share a hash with a new row.
	for _, existing := range r.events {
		if existing.DeviceID == event.DeviceID &&
			existing.ContentHash == event.ContentHash &&
			existing.Status != models.EventFailed {
			return ErrDuplicateEvent
		}
	}

	event.CreatedAt = time.Now()
	stored := *event
	r.events[event.ID] = &stored
	return nil
}

func (r *MemoryQueueEventRepository) GetByID(_ context.Context, id uuid.UUID) (*models.QueueEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	event, ok := r.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *event
	return &copied, nil
}

func (r *MemoryQueueEventRepository) GetByHash(_ context.Context, deviceID uuid.UUID, hash string) (*models.QueueEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.QueueEvent
	for _, event := range r.events {
		if event.DeviceID != deviceID || event.ContentHash != hash {
			continue
		}
		if latest == nil || event.CreatedAt.After(latest.CreatedAt) {
			latest = event
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (r *MemoryQueueEventRepository) ListEligible(_ context.Context, deviceID uuid.UUID, now time.Time, limit int) ([]*models.QueueEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var eligible []*models.QueueEvent
	for _, event := range r.events {
		if event.DeviceID != deviceID || !event.Eligible(now) {
			continue
		}
		copied := *event
		eligible = append(eligible, &copied)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].ClientTimestamp.Before(eligible[j].ClientTimestamp)
	})

	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

func (r *MemoryQueueEventRepository) Transition(_ context.Context, id uuid.UUID, from []models.EventStatus, to models.EventStatus, patch EventPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event, ok := r.events[id]
	if !ok {
		return ErrNotFound
	}

	matched := false
	for _, s := range from {
		if event.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return ErrStatusConflict
	}

	event.Status = to
	event.Attempts = patch.Attempts
	event.NextAttemptAt = patch.NextAttemptAt
	event.LastAttemptAt = patch.LastAttemptAt
	now := time.Now()
	event.UpdatedAt = &now
	return nil
}

func (r *MemoryQueueEventRepository) CountPending(_ context.Context, deviceID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, event := range r.events {
		if event.DeviceID == deviceID && event.Status == models.EventPending {
			count++
		}
	}
	return count, nil
}

func (r *MemoryQueueEventRepository) DevicesWithEligible(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, event := range r.events {
		if event.Eligible(now) && !seen[event.DeviceID] {
			seen[event.DeviceID] = true
			ids = append(ids, event.DeviceID)
		}
	}
	return ids, nil
}

func (r *MemoryQueueEventRepository) RequeueStaleSyncing(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var requeued int64
	for _, event := range r.events {
		if event.Status != models.EventSyncing {
			continue
		}
		at := event.CreatedAt
		if event.LastAttemptAt != nil {
			at = *event.LastAttemptAt
		} else if event.UpdatedAt != nil {
			at = *event.UpdatedAt
		}
		if !at.After(cutoff) {
			event.Status = models.EventPending
			requeued++
		}
	}
	return requeued, nil
}

func (r *MemoryQueueEventRepository) DeleteSyncedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, event := range r.events {
		if event.Status != models.EventSynced {
			continue
		}
		// The last attempt timestamp is written by the sync path's clock,
		// which is also the clock the cutoff came from.
		at := event.CreatedAt
		if event.LastAttemptAt != nil {
			at = *event.LastAttemptAt
		} else if event.UpdatedAt != nil {
			at = *event.UpdatedAt
		}
		if at.Before(cutoff) {
			delete(r.events, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *MemoryQueueEventRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, event := range r.events {
		if event.Status == models.EventPending && event.ExpiresAt != nil && !event.ExpiresAt.After(now) {
			delete(r.events, id)
			deleted++
		}
	}
	return deleted, nil
}

type MemoryConflictRepository struct {
	mu        sync.RWMutex
	conflicts map[uuid.UUID]*models.Conflict
}

func NewMemoryConflictRepository() *MemoryConflictRepository {
	return &MemoryConflictRepository{conflicts: make(map[uuid.UUID]*models.Conflict)}
}

func (r *MemoryConflictRepository) Create(_ context.Context, conflict *models.Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *conflict
	r.conflicts[conflict.ID] = &stored
	return nil
}

func (r *MemoryConflictRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conflict, ok := r.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *conflict
	return &copied, nil
}

func (r *MemoryConflictRepository) MarkResolved(_ context.Context, conflict *models.Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.conflicts[conflict.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.ResolvedAt != nil {
		return ErrStatusConflict
	}
	stored.Strategy = conflict.Strategy
	stored.MergedResult = conflict.MergedResult
	stored.AutoResolved = conflict.AutoResolved
	stored.ResolvedAt = conflict.ResolvedAt
	return nil
}

func (r *MemoryConflictRepository) ListUnresolved(_ context.Context, deviceID uuid.UUID) ([]*models.Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var unresolved []*models.Conflict
	for _, conflict := range r.conflicts {
		if conflict.DeviceID == deviceID && conflict.ResolvedAt == nil {
			copied := *conflict
			unresolved = append(unresolved, &copied)
		}
	}
	sort.Slice(unresolved, func(i, j int) bool {
		return unresolved[i].DetectedAt.Before(unresolved[j].DetectedAt)
	})
	return unresolved, nil
}

type MemoryCacheRepository struct {
	mu      sync.RWMutex
	entries map[models.CacheKey]*models.CacheEntry
}

func NewMemoryCacheRepository() *MemoryCacheRepository {
	return &MemoryCacheRepository{entries: make(map[models.CacheKey]*models.CacheEntry)}
}

func (r *MemoryCacheRepository) Upsert(_ context.Context, entry *models.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[entry.Key]; ok {
		entry.ID = existing.ID
		entry.CreatedAt = existing.CreatedAt
		entry.AccessCount = existing.AccessCount
	} else {
		entry.CreatedAt = time.Now()
	}
	entry.Stale = false
	stored := *entry
	r.entries[entry.Key] = &stored
	return nil
}

func (r *MemoryCacheRepository) Get(_ context.Context, key models.CacheKey) (*models.CacheEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *entry
	return &copied, nil
}

func (r *MemoryCacheRepository) Delete(_ context.Context, key models.CacheKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; !ok {
		return ErrNotFound
	}
	delete(r.entries, key)
	return nil
}

func (r *MemoryCacheRepository) Touch(_ context.Context, id uuid.UUID, at time.Time, stale bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.entries {
		if entry.ID == id {
			entry.LastAccessedAt = at
			entry.AccessCount++
			entry.Stale = stale
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryCacheRepository) UsedBytes(_ context.Context, deviceID uuid.UUID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var used int64
	for _, entry := range r.entries {
		if entry.Key.DeviceID == deviceID {
			used += entry.SizeBytes
		}
	}
	return used, nil
}

func (r *MemoryCacheRepository) EvictLowest(_ context.Context, deviceID uuid.UUID) (*models.CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var victim *models.CacheEntry
	for _, entry := range r.entries {
		if entry.Key.DeviceID != deviceID {
			continue
		}
		if victim == nil || lowerScore(entry, victim) {
			victim = entry
		}
	}
	if victim == nil {
		return nil, ErrNotFound
	}
	delete(r.entries, victim.Key)
	copied := *victim
	return &copied, nil
}

// lowerScore reports whether a should be evicted before b: lowest priority
// first, then least recently accessed, then lowest access count.
func lowerScore(a, b *models.CacheEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	}
	return a.AccessCount < b.AccessCount
}

func (r *MemoryCacheRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for key, entry := range r.entries {
		if entry.ExpiresAt != nil && !entry.ExpiresAt.After(now) {
			delete(r.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

type MemoryModelRepository struct {
	mu          sync.RWMutex
	descriptors map[string]*models.EdgeModelDescriptor
	stats       map[string]*models.ModelStats
}

func NewMemoryModelRepository() *MemoryModelRepository {
	return &MemoryModelRepository{
		descriptors: make(map[string]*models.EdgeModelDescriptor),
		stats:       make(map[string]*models.ModelStats),
	}
}

func (r *MemoryModelRepository) Publish(_ context.Context, d *models.EdgeModelDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d.PublishedAt = time.Now()
	stored := *d
	stored.RequiredCaps = d.RequiredCaps.Clone()
	r.descriptors[d.ID] = &stored
	return nil
}

func (r *MemoryModelRepository) GetByID(_ context.Context, id string) (*models.EdgeModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *d
	copied.RequiredCaps = d.RequiredCaps.Clone()
	return &copied, nil
}

func (r *MemoryModelRepository) ListActive(_ context.Context) ([]*models.EdgeModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*models.EdgeModelDescriptor
	for _, d := range r.descriptors {
		if d.Active && !d.Deprecated {
			copied := *d
			copied.RequiredCaps = d.RequiredCaps.Clone()
			active = append(active, &copied)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Type != active[j].Type {
			return active[i].Type < active[j].Type
		}
		return active[i].ID < active[j].ID
	})
	return active, nil
}

func (r *MemoryModelRepository) SetDeprecated(_ context.Context, id string, deprecated bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.descriptors[id]
	if !ok {
		return ErrNotFound
	}
	d.Deprecated = deprecated
	return nil
}

func (r *MemoryModelRepository) GetStats(_ context.Context, modelID string) (*models.ModelStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stats[modelID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (r *MemoryModelRepository) UpsertStats(_ context.Context, stats []*models.ModelStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, s := range stats {
		copied := *s
		copied.UpdatedAt = &now
		r.stats[s.ModelID] = &copied
	}
	return nil
}

type MemoryAnalyticsRepository struct {
	mu     sync.RWMutex
	events map[string]*models.AnalyticsEvent // keyed by dedup hash
}

func NewMemoryAnalyticsRepository() *MemoryAnalyticsRepository {
	return &MemoryAnalyticsRepository{events: make(map[string]*models.AnalyticsEvent)}
}

func (r *MemoryAnalyticsRepository) InsertBatch(_ context.Context, batchID uuid.UUID, events []*models.AnalyticsEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range events {
		if _, exists := r.events[e.DedupHash]; exists {
			continue
		}
		copied := *e
		copied.BatchID = &batchID
		copied.Synced = true
		r.events[e.DedupHash] = &copied
	}
	return nil
}

func (r *MemoryAnalyticsRepository) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for hash, e := range r.events {
		if e.ClientTimestamp.Before(cutoff) {
			delete(r.events, hash)
			deleted++
		}
	}
	return deleted, nil
}

// Count returns how many events have been delivered; used by tests.
func (r *MemoryAnalyticsRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// All returns every delivered event; used by tests.
func (r *MemoryAnalyticsRepository) All() []*models.AnalyticsEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AnalyticsEvent, 0, len(r.events))
	for _, e := range r.events {
		copied := *e
		out = append(out, &copied)
	}
	return out
}

type MemoryPresenceRepository struct {
	mu     sync.RWMutex
	online map[uuid.UUID]bool
}

func NewMemoryPresenceRepository() *MemoryPresenceRepository {
	return &MemoryPresenceRepository{online: make(map[uuid.UUID]bool)}
}

func (r *MemoryPresenceRepository) SetOnline(_ context.Context, deviceID uuid.UUID, online bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if online {
		r.online[deviceID] = true
	} else {
		delete(r.online, deviceID)
	}
	return nil
}

func (r *MemoryPresenceRepository) IsOnline(_ context.Context, deviceID uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online[deviceID], nil
}
