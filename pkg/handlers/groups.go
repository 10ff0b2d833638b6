package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"family-hub-backend/pkg/config"
	"family-hub-backend/pkg/database"
	"family-hub-backend/pkg/guard"
	"family-hub-backend/pkg/middleware"
	"family-hub-backend/pkg/models"
	"family-hub-backend/pkg/utils"
)

const invitationTTL = 14 * 24 * time.Hour

// GroupsHandler serves group CRUD, membership and invitation endpoints.
// Every membership-altering operation goes through the guard.
type GroupsHandler struct {
	config *config.Config
	db     database.DatabaseInterface
	guard  *guard.Guard
}

func NewGroupsHandler(cfg *config.Config, db database.DatabaseInterface, g *guard.Guard) *GroupsHandler {
	return &GroupsHandler{
		config: cfg,
		db:     db,
		guard:  g,
	}
}

// CreateGroup creates a group with the caller as owner.
func (h *GroupsHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Avatar      string `json:"avatar,omitempty"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		utils.WriteValidationErrorResponse(w, "Group name is required", "")
		return
	}

	group := &models.Group{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Avatar:      req.Avatar,
		OwnerID:     actor.ID,
	}
	if err := h.db.CreateGroup(group); err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to create group")
		return
	}

	utils.WriteCreatedResponse(w, group)
}

// ListMyGroups returns all groups the caller belongs to.
func (h *GroupsHandler) ListMyGroups(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}

	groups, err := h.db.ListUserGroups(actor.ID)
	if err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to list groups")
		return
	}
	if groups == nil {
		groups = []models.Group{}
	}
	utils.WriteSuccessResponse(w, groups)
}

// GetGroup returns a group the caller is a member of.
func (h *GroupsHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	groupID := chi.URLParam(r, "groupID")

	if err := h.guard.AuthorizeRead(r.Context(), actor.ID, groupID); err != nil {
		writeAuthzError(w, err)
		return
	}

	group, err := h.db.GetGroup(groupID)
	if err != nil {
		writeAuthzError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, group)
}

// UpdateGroup changes group metadata. Owner only.
func (h *GroupsHandler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	groupID := chi.URLParam(r, "groupID")

	if err := h.guard.AuthorizeOwner(r.Context(), actor.ID, groupID); err != nil {
		writeAuthzError(w, err)
		return
	}

	var req struct {
		Name        *string `json:"name,omitempty"`
		Description *string `json:"description,omitempty"`
		Avatar      *string `json:"avatar,omitempty"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}

	group, err := h.db.GetGroup(groupID)
	if err != nil {
		writeAuthzError(w, err)
		return
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			utils.WriteValidationErrorResponse(w, "Group name cannot be empty", "")
			return
		}
		group.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		group.Description = *req.Description
	}
	if req.Avatar != nil {
		group.Avatar = *req.Avatar
	}

	if err := h.db.UpdateGroup(group); err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to update group")
		return
	}
	utils.WriteSuccessResponse(w, group)
}

// DeleteGroup removes the group and everything in it. Owner only.
func (h *GroupsHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	groupID := chi.URLParam(r, "groupID")

	if err := h.guard.DeleteGroup(r.Context(), actor.ID, groupID); err != nil {
		writeAuthzError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]string{"status": "deleted"})
}

// ListMembers returns the group's membership roster. Members only.
func (h *GroupsHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	groupID := chi.URLParam(r, "groupID")

	if err := h.guard.AuthorizeRead(r.Context(), actor.ID, groupID); err != nil {
		writeAuthzError(w, err)
		return
	}

	members, err := h.db.ListGroupMembers(groupID)
	if err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to list members")
		return
	}
	if members == nil {
		members = []models.GroupMembership{}
	}
	utils.WriteSuccessResponse(w, members)
}

// ChangeRole updates a member's role. Owner only; demoting the last owner
// is refused.
func (h *GroupsHandler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	groupID := chi.URLParam(r, "groupID")
	targetID := chi.URLParam(r, "userID")

	var req struct {
		Role models.Role `json:"role"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	if !req.Role.Valid() {
		utils.WriteValidationErrorResponse(w, "Unknown role", string(req.Role))
		return
	}

	if err := h.guard.ChangeRole(r.Context(), actor.ID, groupID, targetID, req.Role); err != nil {
		writeAuthzError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]string{"status": "updated"})
}

// RemoveMember removes a membership: self-leave for anyone, arbitrary
// removal for owners. The last owner cannot leave.
func (h *GroupsHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	groupID := chi.URLParam(r, "groupID")
	targetID := chi.URLParam(r, "userID")

	if err := h.guard.RemoveMember(r.Context(), actor.ID, groupID, targetID); err != nil {
		writeAuthzError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]string{"status": "removed"})
}

// InviteMember creates an email invitation with an expiring token.
// Owner only, since accepting grants a role.
func (h *GroupsHandler) InviteMember(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	groupID := chi.URLParam(r, "groupID")

	if err := h.guard.AuthorizeOwner(r.Context(), actor.ID, groupID); err != nil {
		writeAuthzError(w, err)
		return
	}

	var req struct {
		Email string `json:"email"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		utils.WriteValidationErrorResponse(w, "Invalid email address", "")
		return
	}

	token, err := utils.GenerateURLToken(24)
	if err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to generate invitation token")
		return
	}

	inv := &models.GroupInvitation{
		GroupID:   groupID,
		Email:     req.Email,
		InviterID: actor.ID,
		Token:     token,
		Status:    models.InvitationPending,
		ExpiresAt: time.Now().UTC().Add(invitationTTL),
	}
	if err := h.db.CreateInvitation(inv); err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to create invitation")
		return
	}

	utils.WriteCreatedResponse(w, inv)
}

// ListMyInvitations returns pending invitations addressed to the caller.
func (h *GroupsHandler) ListMyInvitations(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}

	invitations, err := h.db.ListInvitationsByEmail(actor.Email)
	if err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to list invitations")
		return
	}

	pending := make([]models.GroupInvitation, 0, len(invitations))
	now := time.Now()
	for _, inv := range invitations {
		if inv.Status == models.InvitationPending && now.Before(inv.ExpiresAt) {
			pending = append(pending, inv)
		}
	}
	utils.WriteSuccessResponse(w, pending)
}

// AcceptInvitation redeems a token and joins the caller as member.
// The invitation must be pending, unexpired and addressed to the caller.
func (h *GroupsHandler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil || req.Token == "" {
		utils.WriteBadRequestResponse(w, "Invitation token is required")
		return
	}

	inv, err := h.db.GetInvitationByToken(req.Token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			utils.WriteNotFoundResponse(w, "Invitation not found")
			return
		}
		utils.WriteInternalServerErrorResponse(w, "Failed to load invitation")
		return
	}

	if !strings.EqualFold(inv.Email, actor.Email) {
		utils.WriteForbiddenResponse(w, "Forbidden")
		return
	}
	if inv.Status != models.InvitationPending {
		utils.WriteConflictResponse(w, "Invitation is no longer pending")
		return
	}
	if time.Now().After(inv.ExpiresAt) {
		inv.Status = models.InvitationExpired
		_ = h.db.UpdateInvitation(inv)
		utils.WriteErrorResponseWithCode(w, http.StatusGone, "EXPIRED", "Invitation has expired", "")
		return
	}

	membership := &models.GroupMembership{
		GroupID: inv.GroupID,
		UserID:  actor.ID,
		Role:    models.RoleMember,
	}
	if err := h.db.AddGroupMember(membership); err != nil {
		if errors.Is(err, database.ErrDuplicateMembership) {
			utils.WriteConflictResponse(w, "Already a member of this group")
			return
		}
		utils.WriteInternalServerErrorResponse(w, "Failed to join group")
		return
	}

	inv.Status = models.InvitationAccepted
	inv.AcceptedBy = &actor.ID
	if err := h.db.UpdateInvitation(inv); err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to update invitation")
		return
	}

	utils.WriteSuccessResponse(w, membership)
}

// DeclineInvitation marks a pending invitation declined.
func (h *GroupsHandler) DeclineInvitation(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil || req.Token == "" {
		utils.WriteBadRequestResponse(w, "Invitation token is required")
		return
	}

	inv, err := h.db.GetInvitationByToken(req.Token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			utils.WriteNotFoundResponse(w, "Invitation not found")
			return
		}
		utils.WriteInternalServerErrorResponse(w, "Failed to load invitation")
		return
	}

	if !strings.EqualFold(inv.Email, actor.Email) {
		utils.WriteForbiddenResponse(w, "Forbidden")
		return
	}
	if inv.Status != models.InvitationPending {
		utils.WriteConflictResponse(w, "Invitation is no longer pending")
		return
	}

	inv.Status = models.InvitationDeclined
	if err := h.db.UpdateInvitation(inv); err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to update invitation")
		return
	}
	utils.WriteSuccessResponse(w, map[string]string{"status": "declined"})
}
