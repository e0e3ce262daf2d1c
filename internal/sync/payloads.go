package sync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fieldline/fieldline/internal/models"
)

// Payload decoding errors. ErrInvalidPayload covers both malformed JSON
// and schema violations; ErrUnsupported covers (table, action) pairs
// the sync contract does not accept.
var (
	ErrInvalidPayload = errors.New("invalid operation payload")
	ErrUnsupported    = errors.New("unsupported operation")
)

// JobUpdatePayload is the closed set of fields a client may write on a
// job. Unknown fields in the raw payload are dropped here, never
// merged.
type JobUpdatePayload struct {
	ID            string            `json:"id"`
	Status        *models.JobStatus `json:"status,omitempty"`
	Resolution    *string           `json:"resolution,omitempty"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
	PaymentAmount *float64          `json:"paymentAmount,omitempty"`
	PaymentMethod *string           `json:"paymentMethod,omitempty"`
}

// PaymentClaimPayload is a standalone claim that money was collected
// for a job. The amount is verified, never trusted.
type PaymentClaimPayload struct {
	JobID  string  `json:"jobId"`
	Amount float64 `json:"amount"`
	Method string  `json:"method,omitempty"`
}

// PhotoCreatePayload appends an immutable photo to a job.
type PhotoCreatePayload struct {
	ID      string     `json:"id,omitempty"`
	JobID   string     `json:"jobId"`
	URL     string     `json:"url"`
	Caption string     `json:"caption,omitempty"`
	TakenAt *time.Time `json:"takenAt,omitempty"`
}

// CustomerCreatePayload creates a customer record. Customers are
// create-only through sync; edits stay on the dashboard.
type CustomerCreatePayload struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

// Per-(table, action) JSON Schemas enforced at the boundary before any
// business logic runs. They validate shape and types only; the field
// whitelist in resolver.go governs what actually gets applied.
const (
	jobUpdateSchema = `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"status": {"type": "string", "enum": ["EN_ROUTE", "IN_PROGRESS", "CANCELLED", "COMPLETED"]},
			"resolution": {"type": "string"},
			"completedAt": {"type": "string"},
			"paymentAmount": {"type": "number", "minimum": 0},
			"paymentMethod": {"type": "string"}
		}
	}`

	paymentClaimSchema = `{
		"type": "object",
		"required": ["jobId", "amount"],
		"properties": {
			"jobId": {"type": "string", "minLength": 1},
			"amount": {"type": "number", "minimum": 0},
			"method": {"type": "string"}
		}
	}`

	photoCreateSchema = `{
		"type": "object",
		"required": ["jobId", "url"],
		"properties": {
			"id": {"type": "string"},
			"jobId": {"type": "string", "minLength": 1},
			"url": {"type": "string", "minLength": 1},
			"caption": {"type": "string"},
			"takenAt": {"type": "string"}
		}
	}`

	customerCreateSchema = `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"id": {"type": "string"},
			"name": {"type": "string", "minLength": 1},
			"phone": {"type": "string"},
			"email": {"type": "string"},
			"address": {"type": "string"}
		}
	}`
)

var payloadSchemas = map[string]*jsonschema.Schema{
	"jobs/update":       mustCompileSchema("jobs_update.json", jobUpdateSchema),
	"payments/create":   mustCompileSchema("payments_create.json", paymentClaimSchema),
	"job_photos/create": mustCompileSchema("job_photos_create.json", photoCreateSchema),
	"customers/create":  mustCompileSchema("customers_create.json", customerCreateSchema),
}

func mustCompileSchema(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	sch, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return sch
}

// DecodePayload validates raw against the schema for (table, action)
// and decodes it into the matching typed payload. The returned value is
// one of *JobUpdatePayload, *PaymentClaimPayload, *PhotoCreatePayload,
// *CustomerCreatePayload.
func DecodePayload(table Table, action Action, raw json.RawMessage) (any, error) {
	key := string(table) + "/" + string(action)
	sch, ok := payloadSchemas[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupported, action, table)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch key {
	case "jobs/update":
		var p JobUpdatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return &p, nil
	case "payments/create":
		var p PaymentClaimPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return &p, nil
	case "job_photos/create":
		var p PhotoCreatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return &p, nil
	case "customers/create":
		var p CustomerCreatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return &p, nil
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrUnsupported, action, table)
}
