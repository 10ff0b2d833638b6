package handlers

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"family-hub-backend/pkg/config"
	"family-hub-backend/pkg/database"
	"family-hub-backend/pkg/guard"
	"family-hub-backend/pkg/middleware"
	"family-hub-backend/pkg/models"
	"family-hub-backend/pkg/utils"
)

// ResourcesHandler serves CRUD for all six governed resource kinds through
// one set of endpoints. The kind comes from the URL; the rules are the same
// for every kind.
type ResourcesHandler struct {
	config *config.Config
	db     database.DatabaseInterface
	guard  *guard.Guard
}

func NewResourcesHandler(cfg *config.Config, db database.DatabaseInterface, g *guard.Guard) *ResourcesHandler {
	return &ResourcesHandler{
		config: cfg,
		db:     db,
		guard:  g,
	}
}

// kindsByPath maps the plural URL segment to the resource kind.
var kindsByPath = map[string]models.ResourceKind{}

func init() {
	for _, k := range models.ResourceKinds {
		kindsByPath[k.Table()] = k
	}
}

func parseKind(r *http.Request) (models.ResourceKind, bool) {
	kind, ok := kindsByPath[chi.URLParam(r, "kind")]
	return kind, ok
}

type resourceRequest struct {
	Title    *string          `json:"title,omitempty"`
	Data     json.RawMessage  `json:"data,omitempty"`
	EditMode *models.EditMode `json:"edit_mode,omitempty"`
}

// List returns every resource of one kind in the group. Members only.
// Responses carry a weak ETag so unchanged lists can be answered with 304.
func (h *ResourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	kind, ok := parseKind(r)
	if !ok {
		utils.WriteNotFoundResponse(w, "Unknown resource kind")
		return
	}
	groupID := chi.URLParam(r, "groupID")

	if err := h.guard.AuthorizeRead(r.Context(), actor.ID, groupID); err != nil {
		writeAuthzError(w, err)
		return
	}

	resources, err := h.db.ListResourcesByGroup(kind, groupID)
	if err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to list resources")
		return
	}
	if resources == nil {
		resources = []models.Resource{}
	}

	etag := listETag(resources)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	utils.WriteSuccessResponse(w, resources)
}

// listETag derives a weak validator from the ids and update stamps.
func listETag(resources []models.Resource) string {
	hasher := fnv.New64a()
	for _, res := range resources {
		fmt.Fprintf(hasher, "%s:%d;", res.ID, res.UpdatedAt.UnixMicro())
	}
	return fmt.Sprintf(`W/"%d-%x"`, len(resources), hasher.Sum64())
}

// Create adds a resource to the group. Owners and members only; the server
// stamps creator and modifier fields regardless of what the client sent.
func (h *ResourcesHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	kind, ok := parseKind(r)
	if !ok {
		utils.WriteNotFoundResponse(w, "Unknown resource kind")
		return
	}
	groupID := chi.URLParam(r, "groupID")

	var req resourceRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	if req.Title == nil || strings.TrimSpace(*req.Title) == "" {
		utils.WriteValidationErrorResponse(w, "Title is required", "")
		return
	}
	if req.EditMode != nil && *req.EditMode != models.EditModePrivate && *req.EditMode != models.EditModePublic {
		utils.WriteValidationErrorResponse(w, "Unknown edit mode", string(*req.EditMode))
		return
	}

	res := &models.Resource{
		Kind:  kind,
		Title: strings.TrimSpace(*req.Title),
		Data:  req.Data,
	}
	res.GroupID = groupID
	res.EditMode = req.EditMode

	if err := h.guard.Create(r.Context(), actor.ID, res); err != nil {
		writeAuthzError(w, err)
		return
	}
	utils.WriteCreatedResponse(w, res)
}

// Get returns one resource. Members of its group only.
func (h *ResourcesHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	kind, ok := parseKind(r)
	if !ok {
		utils.WriteNotFoundResponse(w, "Unknown resource kind")
		return
	}
	groupID := chi.URLParam(r, "groupID")
	id := chi.URLParam(r, "resourceID")

	if err := h.guard.AuthorizeRead(r.Context(), actor.ID, groupID); err != nil {
		writeAuthzError(w, err)
		return
	}

	res, err := h.db.GetResource(kind, id)
	if err != nil {
		writeAuthzError(w, err)
		return
	}
	if res.GroupID != groupID {
		utils.WriteNotFoundResponse(w, "Not found")
		return
	}
	utils.WriteSuccessResponse(w, res)
}

// Update changes title, payload or edit mode. The guard decides per the
// actor's role, authorship and the resource's edit mode, and retries are
// the caller's job on a stale-envelope conflict.
func (h *ResourcesHandler) Update(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	kind, ok := parseKind(r)
	if !ok {
		utils.WriteNotFoundResponse(w, "Unknown resource kind")
		return
	}
	groupID := chi.URLParam(r, "groupID")
	id := chi.URLParam(r, "resourceID")

	var req resourceRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		utils.WriteValidationErrorResponse(w, "Title cannot be empty", "")
		return
	}
	if req.EditMode != nil && *req.EditMode != models.EditModePrivate && *req.EditMode != models.EditModePublic {
		utils.WriteValidationErrorResponse(w, "Unknown edit mode", string(*req.EditMode))
		return
	}

	res, err := h.guard.Update(r.Context(), actor.ID, groupID, kind, id, func(res *models.Resource) {
		if req.Title != nil {
			res.Title = strings.TrimSpace(*req.Title)
		}
		if req.Data != nil {
			res.Data = req.Data
		}
		if req.EditMode != nil {
			res.EditMode = req.EditMode
		}
	})
	if err != nil {
		writeAuthzError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, res)
}

// SetEditMode flips a resource between private and public collaboration.
// Same rule as any other modification.
func (h *ResourcesHandler) SetEditMode(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	kind, ok := parseKind(r)
	if !ok {
		utils.WriteNotFoundResponse(w, "Unknown resource kind")
		return
	}
	groupID := chi.URLParam(r, "groupID")
	id := chi.URLParam(r, "resourceID")

	var req struct {
		EditMode models.EditMode `json:"edit_mode"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	if req.EditMode != models.EditModePrivate && req.EditMode != models.EditModePublic {
		utils.WriteValidationErrorResponse(w, "Unknown edit mode", string(req.EditMode))
		return
	}

	res, err := h.guard.SetEditMode(r.Context(), actor.ID, groupID, kind, id, req.EditMode)
	if err != nil {
		writeAuthzError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, res)
}

// Delete removes one resource. Owners delete anything; members delete only
// what they created, no matter the edit mode.
func (h *ResourcesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	kind, ok := parseKind(r)
	if !ok {
		utils.WriteNotFoundResponse(w, "Unknown resource kind")
		return
	}
	groupID := chi.URLParam(r, "groupID")
	id := chi.URLParam(r, "resourceID")

	if err := h.guard.Delete(r.Context(), actor.ID, groupID, kind, id); err != nil {
		writeAuthzError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]string{"status": "deleted"})
}
