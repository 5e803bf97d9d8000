package controller

import (
	"encoding/json"
	"fmt"

	"fleetops/internal/models"
	"fleetops/internal/service"
)

const maxBodySize = 64 << 10

// New service request

func ParseNewRequestReq(data []byte) (*service.CreateRequestParams, error) {
	if err := checkBodySize(data); err != nil {
		return nil, err
	}

	t := &service.CreateRequestParams{}
	err := json.Unmarshal(data, t)
	if err != nil {
		return nil, err
	}

	if len(t.RequesterRole) > 0 && !models.ValidActorRole(t.RequesterRole) {
		return nil, fmt.Errorf("invalid requester role supplied: %s, should be one of: %s, %s, %s", string(t.RequesterRole), models.RoleRequester, models.RoleProvider, models.RoleOperator)
	}
	if err = checkLengthLimit(t.RequesterId, "RequesterId", 100); err != nil {
		return nil, err
	}
	if err = checkLengthLimit(t.Category, "Category", 100); err != nil {
		return nil, err
	}
	if t.SubjectRef != nil {
		if err = checkLengthLimit(*t.SubjectRef, "SubjectRef", 200); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// New offer request

func ParseNewOfferReq(data []byte) (*service.SubmitOfferParams, error) {
	if err := checkBodySize(data); err != nil {
		return nil, err
	}

	t := &service.SubmitOfferParams{}
	err := json.Unmarshal(data, t)
	if err != nil {
		return nil, err
	}

	if err = checkLengthLimit(t.ProviderId, "ProviderId", 100); err != nil {
		return nil, err
	}

	return t, nil
}

// Status change request

func ParseStatusReq(data []byte) (*service.AdvanceParams, error) {
	if err := checkBodySize(data); err != nil {
		return nil, err
	}

	t := &service.AdvanceParams{}
	err := json.Unmarshal(data, t)
	if err != nil {
		return nil, err
	}

	if !models.ValidRequestStatus(t.TargetStatus) {
		return nil, fmt.Errorf("invalid target status supplied: %s", string(t.TargetStatus))
	}
	if len(t.ActorId) == 0 {
		return nil, fmt.Errorf("field 'actorId' is required")
	}
	if err = checkLengthLimit(t.ActorId, "ActorId", 100); err != nil {
		return nil, err
	}
	if t.Reason != nil {
		if err = checkLengthLimit(*t.Reason, "Reason", 500); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Cancel request

type CancelReq struct {
	Reason *string `json:"reason"`
}

// ParseCancelReq accepts an empty body.
func ParseCancelReq(data []byte) (*CancelReq, error) {
	t := &CancelReq{}
	if len(data) == 0 {
		return t, nil
	}
	if err := checkBodySize(data); err != nil {
		return nil, err
	}

	err := json.Unmarshal(data, t)
	if err != nil {
		return nil, err
	}

	if t.Reason != nil {
		if err = checkLengthLimit(*t.Reason, "Reason", 500); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Service

func checkBodySize(data []byte) error {
	if len(data) > maxBodySize {
		return fmt.Errorf("request body exceeds size limit of %d bytes", maxBodySize)
	}
	return nil
}

func checkLengthLimit(str, fieldName string, limit int) error {
	if len(str) > limit {
		return fmt.Errorf("field '%s' exceeds length limit: %d / %d", fieldName, len(str), limit)
	}
	return nil
}
