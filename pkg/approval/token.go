// Package approval implements the human-in-the-loop gate: HMAC-bound
// callback tokens, channel notifications and expiry.
package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// Token format: "apr:{a|r}:<32 hex chars>". The opaque portion is an
// HMAC over (approval id, decision) so it is unique per approval and
// cannot be forged without the signing secret.
const (
	tokenPrefix   = "apr"
	approveMarker = "a"
	rejectMarker  = "r"
	opaqueHexLen  = 32
)

// ErrInvalidToken is returned for malformed or unverifiable tokens.
var ErrInvalidToken = errors.New("invalid approval token")

// Signer mints and verifies callback tokens.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer. The secret must be non-empty.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("approval token secret is required")
	}
	return &Signer{secret: secret}, nil
}

// TokenFor mints the callback token for one (approval, decision) pair.
func (s *Signer) TokenFor(approvalID string, decision models.ApprovalStatus) (string, error) {
	marker, err := markerFor(decision)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s:%s", tokenPrefix, marker, s.opaque(approvalID, marker)), nil
}

// Verify parses a token and checks it against the expected token for the
// approval. Returns the decision the token encodes.
func (s *Signer) Verify(approvalID, token string) (models.ApprovalStatus, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 || parts[0] != tokenPrefix || len(parts[2]) != opaqueHexLen {
		return "", ErrInvalidToken
	}

	var decision models.ApprovalStatus
	switch parts[1] {
	case approveMarker:
		decision = models.ApprovalApproved
	case rejectMarker:
		decision = models.ApprovalRejected
	default:
		return "", ErrInvalidToken
	}

	expected := s.opaque(approvalID, parts[1])
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return "", ErrInvalidToken
	}
	return decision, nil
}

func (s *Signer) opaque(approvalID, marker string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(approvalID))
	mac.Write([]byte{':'})
	mac.Write([]byte(marker))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum)[:opaqueHexLen]
}

func markerFor(decision models.ApprovalStatus) (string, error) {
	switch decision {
	case models.ApprovalApproved:
		return approveMarker, nil
	case models.ApprovalRejected:
		return rejectMarker, nil
	default:
		return "", fmt.Errorf("no token marker for decision %q", decision)
	}
}
