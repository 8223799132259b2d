package protocol

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/systmms/tunrot/pkg/rotation"
)

// Routes and headers of the pull endpoint.
const (
	PendingPath      = "/v1/rotation/pending"
	HealthPath       = "/healthz"
	CredentialHeader = "X-Tunrot-Rotation-Key"
)

// Response status values.
const (
	StatusPending = "pending"
	StatusNone    = "none"
)

// MaxResponseBytes bounds a poll response body.
const MaxResponseBytes = 1 << 20

// PendingResponse is the body of a successful poll.
type PendingResponse struct {
	Status        string                      `json:"status"`
	Rotation      *rotation.PendingRotation   `json:"rotation,omitempty"`
	LastFinalized *rotation.FinalizedRotation `json:"last_finalized,omitempty"`
}

// ErrorResponse is the body of a failed poll.
type ErrorResponse struct {
	Error string `json:"error"`
}

//go:embed pending.schema.json
var pendingSchemaJSON []byte

var pendingSchema = mustSchema(pendingSchemaJSON)

func mustSchema(data []byte) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded schema: %v", err))
	}
	return s
}

// ValidatePendingResponse checks a raw poll body against the wire schema.
func ValidatePendingResponse(body []byte) error {
	result, err := pendingSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errorMessages []string
		for _, desc := range result.Errors() {
			errorMessages = append(errorMessages, desc.String())
		}
		return fmt.Errorf("schema validation failed: %s", strings.Join(errorMessages, "; "))
	}
	return nil
}
