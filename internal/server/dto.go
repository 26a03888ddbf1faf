package server

import (
	"provisioner/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID string `json:"id,omitempty" doc:"Project UUID; generated when omitted"`
	// OwnerID is honored for service principals only.
	OwnerID  string         `json:"owner_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type SetCredentialRequest struct {
	Ciphertext         string `json:"ciphertext" minLength:"1"`
	KeyVersion         int    `json:"key_version,omitempty" minimum:"1"`
	VerificationStatus string `json:"verification_status,omitempty" enum:"pending,verifying,verified,invalid,expired"`
}

// Response payloads

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

type SetCredentialResponse struct {
	Credential domain.Credential `json:"credential"`
	Project    domain.Project    `json:"project"`
}

type paginatedAudit struct {
	Items      []domain.AuditEvent `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}
