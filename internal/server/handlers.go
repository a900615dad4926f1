package server

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/opuslog/opuslog/internal/coordinator"
	"github.com/opuslog/opuslog/internal/core/entity"
	"github.com/opuslog/opuslog/internal/core/observability/log"
	"github.com/opuslog/opuslog/internal/core/resolve"
	"github.com/opuslog/opuslog/internal/core/store"
)

// SyncHandler serves the REST sync API. Writes go through the per-user
// actor so version checks stay race-free; if the actor layer is down the
// handler degrades to direct store access serialized per user, trading
// real-time broadcast for durability.
type SyncHandler struct {
	store    *store.Store
	registry *coordinator.Registry
	resolver *resolve.Resolver
	logger   log.Log

	fallbackMu sync.Mutex
	userLocks  map[string]*sync.Mutex
}

func NewSyncHandler(st *store.Store, registry *coordinator.Registry, resolver *resolve.Resolver, logger log.Log) *SyncHandler {
	if logger == nil {
		logger = log.Provide()
	}
	return &SyncHandler{
		store:     st,
		registry:  registry,
		resolver:  resolver,
		logger:    logger.With(log.String("component", "http")),
		userLocks: make(map[string]*sync.Mutex),
	}
}

type pullRequest struct {
	SyncToken string `json:"syncToken"`
	Limit     int    `json:"limit"`
}

type pullResponse struct {
	Entities     []entity.SyncableEntity `json:"entities"`
	NewSyncToken string                  `json:"newSyncToken"`
}

// Pull returns entities changed since the given sync token, tombstones
// included. An empty token means full sync.
func (h *SyncHandler) Pull(c *gin.Context) {
	claims := claimsFrom(c)
	var req pullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return
	}
	cursor, err := store.CursorFromToken(req.SyncToken)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed sync token"})
		return
	}
	entities, next, err := h.store.ChangesSince(c.Request.Context(), claims.UserID, cursor, req.Limit)
	if err != nil {
		h.logger.Error("pull failed", log.String("user_id", claims.UserID), log.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pull failed"})
		return
	}
	if err = h.store.TouchDevice(c.Request.Context(), claims.UserID, claims.DeviceID); err != nil {
		h.logger.Warn("device registry update failed", log.Error(err))
	}
	c.JSON(http.StatusOK, pullResponse{
		Entities:     entities,
		NewSyncToken: store.TokenFromCursor(next),
	})
}

type pushRequest struct {
	Batch []entity.SyncableEntity `json:"batch"`
}

type pushResponse struct {
	Accepted []string                `json:"accepted"`
	Rejected []coordinator.Rejection `json:"rejected"`
	Entities []entity.SyncableEntity `json:"entities"`
}

// Push applies a batch. Stale entities are rejected with the server
// version; the client resolves and re-pushes. Accepted entities commit
// even when siblings in the batch are rejected.
func (h *SyncHandler) Push(c *gin.Context) {
	h.push(c, false)
}

// PushBulk is the bootstrap variant: conflicts are resolved server-side
// instead of rejected, since a bootstrapping device has no base to
// rebase onto.
func (h *SyncHandler) PushBulk(c *gin.Context) {
	h.push(c, true)
}

func (h *SyncHandler) push(c *gin.Context, resolveConflicts bool) {
	claims := claimsFrom(c)
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return
	}
	result, err := h.apply(c, claims, req.Batch, resolveConflicts)
	if err != nil {
		h.logger.Error("push failed", log.String("user_id", claims.UserID), log.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "push failed"})
		return
	}
	if err = h.store.TouchDevice(c.Request.Context(), claims.UserID, claims.DeviceID); err != nil {
		h.logger.Warn("device registry update failed", log.Error(err))
	}
	c.JSON(http.StatusOK, pushResponse{
		Accepted: result.AcceptedIDs(),
		Rejected: result.Rejected,
		Entities: result.Accepted,
	})
}

func (h *SyncHandler) apply(c *gin.Context, claims Claims, batch []entity.SyncableEntity, resolveConflicts bool) (coordinator.PushResult, error) {
	actor, err := h.registry.Actor(claims.UserID)
	if err == nil {
		result, aerr := actor.PushBatch(c.Request.Context(), claims.DeviceID, batch, resolveConflicts)
		if aerr == nil || !errors.Is(aerr, coordinator.ErrActorStopped) {
			return result, aerr
		}
		err = aerr
	}
	h.logger.Warn("actor unavailable, using direct store path",
		log.String("user_id", claims.UserID), log.Error(err))
	return h.applyDirect(c, claims, batch, resolveConflicts)
}

// applyDirect is the ErrActorUnavailable fallback: same semantics, no
// broadcast, serialized by a per-user lock.
func (h *SyncHandler) applyDirect(c *gin.Context, claims Claims, batch []entity.SyncableEntity, resolveConflicts bool) (coordinator.PushResult, error) {
	mu := h.userLock(claims.UserID)
	mu.Lock()
	defer mu.Unlock()

	var result coordinator.PushResult
	ctx := c.Request.Context()
	for _, e := range batch {
		if reason := coordinator.Validate(&e); reason != "" {
			result.Rejected = append(result.Rejected, coordinator.Rejection{ID: e.ID, Reason: reason})
			continue
		}
		e.DeviceID = claims.DeviceID
		e.RecomputeChecksum()
		applied, err := h.store.Apply(ctx, claims.UserID, e)
		if err != nil {
			var vc *store.VersionConflictError
			if errors.As(err, &vc) && !resolveConflicts {
				result.Rejected = append(result.Rejected, coordinator.Rejection{
					ID:            e.ID,
					ServerVersion: vc.ServerVersion,
					Reason:        "version_conflict",
				})
				continue
			}
			if errors.As(err, &vc) {
				// Bootstrap path still needs merge semantics.
				stored, gerr := h.store.Get(ctx, claims.UserID, e.EntityType, e.ID)
				if gerr != nil {
					return result, gerr
				}
				merged := h.resolver.Resolve(entity.Conflict{EntityID: e.ID, Local: e, Remote: *stored})
				applied, err = h.store.ApplyResolved(ctx, claims.UserID, merged)
				if err != nil {
					return result, err
				}
				result.Accepted = append(result.Accepted, *applied)
				continue
			}
			return result, err
		}
		result.Accepted = append(result.Accepted, *applied)
	}
	return result, nil
}

// Entity returns the server's current row for one entity, tombstones
// included. Clients use it to resolve a conflict whose server
// counterpart fell outside their pull window.
func (h *SyncHandler) Entity(c *gin.Context) {
	claims := claimsFrom(c)
	t := entity.Type(c.Param("type"))
	if !t.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown entity type"})
		return
	}
	e, err := h.store.Get(c.Request.Context(), claims.UserID, t, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		h.logger.Error("entity lookup failed", log.String("user_id", claims.UserID), log.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *SyncHandler) userLock(userID string) *sync.Mutex {
	h.fallbackMu.Lock()
	defer h.fallbackMu.Unlock()
	mu, ok := h.userLocks[userID]
	if !ok {
		mu = &sync.Mutex{}
		h.userLocks[userID] = mu
	}
	return mu
}

// Status returns the user's server-side sync metadata.
func (h *SyncHandler) Status(c *gin.Context) {
	claims := claimsFrom(c)
	meta, err := h.store.Metadata(c.Request.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("status failed", log.String("user_id", claims.UserID), log.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status failed"})
		return
	}
	c.JSON(http.StatusOK, meta)
}

// Devices lists the user's registered devices.
func (h *SyncHandler) Devices(c *gin.Context) {
	claims := claimsFrom(c)
	devices, err := h.store.Devices(c.Request.Context(), claims.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "device list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}
