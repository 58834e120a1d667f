package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Test structs mirror the shape of request bodies the served API binds:
// a registration request carrying a resource ID and target API version,
// and a token request carrying a scope string.
type TestRegistrationRequest struct {
	ResourceID string `json:"id" validate:"required,uuid"`
	Label      string `json:"label" validate:"required,min=1,max=100"`
	Priority   int    `json:"priority" validate:"gte=0,lte=255"`
}

type TestAPIVersionRequest struct {
	Version string `json:"version" validate:"required,nmosversion"`
}

type TestTokenRequest struct {
	Scope string `json:"scope" validate:"urnlist"`
}

func TestValidateStruct_Success(t *testing.T) {
	req := TestRegistrationRequest{
		ResourceID: "123e4567-e89b-12d3-a456-426614174000",
		Label:      "node1",
		Priority:   100,
	}

	err := ValidateStruct(req)
	assert.NoError(t, err)
}

func TestValidateStruct_RequiredFields(t *testing.T) {
	req := TestRegistrationRequest{
		// Missing required fields
	}

	err := ValidateStruct(req)
	assert.Error(t, err)
}

func TestValidateRequest_Success(t *testing.T) {
	req := TestAPIVersionRequest{Version: "v1.3"}

	errs := ValidateRequest(req)
	assert.Nil(t, errs)
}

func TestValidateAPIVersion_Valid(t *testing.T) {
	for _, v := range []string{"v1.0", "v1.3", "v2.0", "v10.22"} {
		req := TestAPIVersionRequest{Version: v}
		errs := ValidateRequest(req)
		assert.Nil(t, errs, "version should be valid: %s", v)
	}
}

func TestValidateAPIVersion_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		version string
	}{
		{"missing v prefix", "1.3"},
		{"no minor", "v1"},
		{"trailing dot", "v1."},
		{"non-numeric", "vX.Y"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := TestAPIVersionRequest{Version: tt.version}
			errs := ValidateRequest(req)
			assert.NotNil(t, errs)
			assert.Contains(t, errs, "version")
		})
	}
}

func TestValidateURNList_Valid(t *testing.T) {
	tests := []string{
		"",
		"urn:x-nmos:capability:registration",
		"urn:x-nmos:capability:registration urn:x-nmos:capability:query",
	}

	for _, scope := range tests {
		req := TestTokenRequest{Scope: scope}
		errs := ValidateRequest(req)
		assert.Nil(t, errs, "scope should be valid: %q", scope)
	}
}

func TestValidateURNList_Invalid(t *testing.T) {
	req := TestTokenRequest{Scope: "registration query"}
	errs := ValidateRequest(req)
	assert.NotNil(t, errs)
	assert.Contains(t, errs, "scope")
}

func TestValidateUUID_Invalid(t *testing.T) {
	invalidUUIDs := []string{
		"not-a-uuid",
		"123456",
		"123e4567-e89b-12d3-a456",
		"",
	}

	for _, id := range invalidUUIDs {
		req := TestRegistrationRequest{
			ResourceID: id,
			Label:      "node1",
			Priority:   100,
		}

		errs := ValidateRequest(req)
		assert.NotNil(t, errs, "resource ID should be invalid: %s", id)
		assert.Contains(t, errs, "resourceid")
	}
}

func TestValidateMinMax_Strings(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		shouldErr bool
	}{
		{"valid", "node1", false},
		{"too long", string(make([]byte, 101)), true},
		{"min length", "a", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := TestRegistrationRequest{
				ResourceID: "123e4567-e89b-12d3-a456-426614174000",
				Label:      tt.value,
				Priority:   100,
			}

			errs := ValidateRequest(req)
			if tt.shouldErr {
				assert.NotNil(t, errs)
				assert.Contains(t, errs, "label")
			} else {
				assert.Nil(t, errs)
			}
		})
	}
}

func TestValidateRange_Numbers(t *testing.T) {
	tests := []struct {
		name      string
		priority  int
		shouldErr bool
	}{
		{"valid", 100, false},
		{"too small", -1, true},
		{"too large", 256, true},
		{"min value", 0, false},
		{"max value", 255, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := TestRegistrationRequest{
				ResourceID: "123e4567-e89b-12d3-a456-426614174000",
				Label:      "node1",
				Priority:   tt.priority,
			}

			errs := ValidateRequest(req)
			if tt.shouldErr {
				assert.NotNil(t, errs)
				assert.Contains(t, errs, "priority")
			} else {
				assert.Nil(t, errs)
			}
		})
	}
}

func TestFormatValidationError(t *testing.T) {
	req := TestRegistrationRequest{
		ResourceID: "not-a-uuid",
		Label:      "",
		Priority:   -1,
	}

	errs := ValidateRequest(req)
	assert.NotNil(t, errs)

	for field, msg := range errs {
		assert.NotEmpty(t, msg, "error message should not be empty for field: %s", field)
		assert.NotContains(t, msg, "Validation failed", "should use custom error message")
	}
}
