package handlers

import (
	"errors"
	"net/http"

	"family-hub-backend/pkg/authz"
	"family-hub-backend/pkg/database"
	"family-hub-backend/pkg/utils"
)

// writeAuthzError maps authorization and storage failures onto HTTP.
// Non-members and under-privileged members get byte-identical 403s so a
// rejected caller cannot tell whether they are in the group at all.
func writeAuthzError(w http.ResponseWriter, err error) {
	switch {
	case authz.IsDenial(err):
		utils.WriteForbiddenResponse(w, "Forbidden")
	case errors.Is(err, authz.ErrLastOwner):
		utils.WriteConflictResponse(w, "Group must retain at least one owner")
	case errors.Is(err, authz.ErrStaleEnvelope):
		utils.WriteErrorResponseWithCode(w, http.StatusConflict, "STALE_ENVELOPE",
			"Resource was modified concurrently, reload and retry", "")
	case errors.Is(err, database.ErrNotFound):
		utils.WriteNotFoundResponse(w, "Not found")
	case errors.Is(err, database.ErrDuplicateMembership):
		utils.WriteConflictResponse(w, "Already a member of this group")
	case errors.Is(err, authz.ErrInvariantViolation):
		utils.WriteInternalServerErrorResponse(w, "Internal consistency error")
	default:
		utils.WriteInternalServerErrorResponse(w, "Internal server error")
	}
}
