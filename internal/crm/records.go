package crm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/casebridge/internal/remote"
)

const codeDuplicateData = "DUPLICATE_DATA"

var ErrConflict = errors.New("crm record already exists")

// ConflictError is the remote's uniqueness rejection. ExistingID is the
// record it collided with, when the remote reported one.
type ConflictError struct {
	Module     string
	ExistingID string
}

func (e *ConflictError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("%s record already exists: %s", e.Module, e.ExistingID)
	}
	return fmt.Sprintf("%s record already exists", e.Module)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type recordResult struct {
	Code    string `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Details struct {
		ID              string `json:"id"`
		APIName         string `json:"api_name"`
		DuplicateRecord struct {
			ID string `json:"id"`
		} `json:"duplicate_record"`
	} `json:"details"`
}

type recordsEnvelope struct {
	Data []json.RawMessage `json:"data"`
}

// firstRecordResult reads data[0] of a write response, falling back to a
// top-level error object.
func firstRecordResult(body []byte) (recordResult, bool) {
	var result recordResult
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return result, false
	}
	var envelope recordsEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		if json.Unmarshal(envelope.Data[0], &result) == nil {
			return result, true
		}
	}
	if err := json.Unmarshal(body, &result); err == nil && result.Code != "" {
		return result, true
	}
	return recordResult{}, false
}

// interpretWrite turns a create response into the new record id or a typed
// error. Transport, auth and rate-limit errors pass through unchanged.
func interpretWrite(module string, body []byte, callErr error) (string, error) {
	result, parsed := firstRecordResult(body)
	if parsed && strings.EqualFold(result.Code, codeDuplicateData) {
		return "", &ConflictError{Module: module, ExistingID: result.Details.DuplicateRecord.ID}
	}
	if callErr != nil {
		var httpErr *remote.HTTPError
		if parsed && result.Code != "" && errors.As(callErr, &httpErr) {
			return "", &remote.ValidationError{Service: serviceName, Code: result.Code, Field: result.Details.APIName, Message: result.Message}
		}
		return "", callErr
	}
	if parsed && result.Code != "" && !strings.EqualFold(result.Code, "SUCCESS") {
		return "", &remote.ValidationError{Service: serviceName, Code: result.Code, Field: result.Details.APIName, Message: result.Message}
	}
	if result.Details.ID == "" {
		return "", &remote.ValidationError{Service: serviceName, Code: "MISSING_ID", Message: module + " create response carried no id"}
	}
	return result.Details.ID, nil
}

// searchCriteria builds "(field:equals:value)" with the reserved characters
// escaped.
func searchCriteria(field, value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`, `,`, `\,`)
	return "(" + field + ":equals:" + replacer.Replace(value) + ")"
}
