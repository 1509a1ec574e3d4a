package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

type approvalDecisionRequest struct {
	// Token is a signed callback token carrying the decision. When set,
	// Decision and Note are ignored.
	Token    string `json:"token,omitempty"`
	Decision string `json:"decision,omitempty"`
	Note     string `json:"note,omitempty"`
}

// handleApprovalDecision records an approval decision, either via a
// signed callback token or an explicit authenticated decision. Expired
// requests answer 410, already-decided ones 409, bad tokens 403.
func (s *Server) handleApprovalDecision(c *gin.Context) {
	if s.deps.Approvals == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "approval gate not configured")
		return
	}
	approvalID := c.Param("approvalId")

	var req approvalDecisionRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	if req.Token != "" {
		decided, err := s.deps.Approvals.DecideByToken(ctx, approvalID, req.Token, principal(c))
		if err != nil {
			if strings.Contains(err.Error(), "verifying token") {
				respondError(c, http.StatusForbidden, "invalid_token", "approval token rejected")
				return
			}
			respondMapped(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"approval": decided})
		return
	}

	var decision models.ApprovalStatus
	switch strings.ToLower(req.Decision) {
	case "approve", "approved":
		decision = models.ApprovalApproved
	case "reject", "rejected":
		decision = models.ApprovalRejected
	default:
		respondError(c, http.StatusBadRequest, "bad_request", "decision must be approve or reject")
		return
	}

	decided, err := s.deps.Approvals.Decide(ctx, approvalID, decision, principal(c), req.Note)
	if err != nil {
		respondMapped(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approval": decided})
}
