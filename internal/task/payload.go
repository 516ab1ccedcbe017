package task

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"buildhub/internal/models"
)

// decodePayload decodes a stored request or result column. Payloads are
// JSON; rows imported from older deployments are base64-wrapped JSON
// and are transparently unwrapped.
func decodePayload(raw string) (json.RawMessage, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") && !strings.HasPrefix(s, "\"") {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("payload is neither json nor base64: %w", err)
		}
		s = string(decoded)
	}
	if !json.Valid([]byte(s)) {
		return nil, errors.New("payload is not valid json")
	}
	return json.RawMessage(s), nil
}

// decodeResult splits a decoded result payload into a value or a fault.
func decodeResult(payload json.RawMessage) (json.RawMessage, *models.Fault, error) {
	if len(payload) == 0 {
		return nil, nil, nil
	}
	var probe struct {
		FaultCode   *int    `json:"faultCode"`
		FaultString *string `json:"faultString"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && probe.FaultCode != nil && probe.FaultString != nil {
		return nil, &models.Fault{FaultCode: *probe.FaultCode, FaultString: *probe.FaultString}, nil
	}
	return payload, nil, nil
}

// GetRequest returns the decoded request payload.
func (t *Task) GetRequest(ctx context.Context) (json.RawMessage, error) {
	raw, err := t.db.GetTaskRequestRaw(ctx, t.id)
	if err != nil {
		return nil, err
	}
	req, err := decodePayload(raw)
	if err != nil {
		return nil, fmt.Errorf("decode request for task %d: %w", t.id, err)
	}
	return req, nil
}

// GetResult returns the stored result of a finished task. Canceled and
// unfinished tasks are domain errors. A stored fault is re-raised as a
// FaultError when raiseFault is set, otherwise returned alongside the
// (nil) value.
func (t *Task) GetResult(ctx context.Context, raiseFault bool) (json.RawMessage, *models.Fault, error) {
	state, raw, err := t.db.GetTaskStateResult(ctx, t.id)
	if err != nil {
		return nil, nil, err
	}
	switch state {
	case models.TaskCanceled:
		return nil, nil, fmt.Errorf("%w: canceled: task %d", models.ErrBadState, t.id)
	case models.TaskClosed, models.TaskFailed:
	default:
		return nil, nil, fmt.Errorf("%w: task %d is not finished", models.ErrBadState, t.id)
	}
	payload, err := decodePayload(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode result for task %d: %w", t.id, err)
	}
	value, fault, err := decodeResult(payload)
	if err != nil {
		return nil, nil, err
	}
	if fault != nil && raiseFault {
		return nil, nil, &models.FaultError{Fault: *fault}
	}
	return value, fault, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
