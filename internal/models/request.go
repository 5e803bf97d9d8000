package models

import (
	"encoding/json"
	"time"
)

type RequestStatus string

const (
	RequestOpen           RequestStatus = "Open"
	RequestQuotesReceived RequestStatus = "QuotesReceived"
	RequestAssigned       RequestStatus = "Assigned"
	RequestInProgress     RequestStatus = "InProgress"
	RequestCompleted      RequestStatus = "Completed"
	RequestCancelled      RequestStatus = "Cancelled"
	RequestDeclined       RequestStatus = "Declined"
)

func ValidRequestStatus(s RequestStatus) bool {
	switch s {
	case RequestOpen, RequestQuotesReceived, RequestAssigned, RequestInProgress,
		RequestCompleted, RequestCancelled, RequestDeclined:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed out of s.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestCancelled || s == RequestDeclined
}

// AcceptsOffers reports whether the bidding phase is still open.
func (s RequestStatus) AcceptsOffers() bool {
	return s == RequestOpen || s == RequestQuotesReceived
}

type ActorRole string

const (
	RoleRequester ActorRole = "Requester"
	RoleProvider  ActorRole = "Provider"
	RoleOperator  ActorRole = "Operator"
)

func ValidActorRole(r ActorRole) bool {
	switch r {
	case RoleRequester, RoleProvider, RoleOperator:
		return true
	default:
		return false
	}
}

type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

type Request struct {
	Id              string          `json:"id"`
	Version         int             `json:"version"`
	RequesterId     string          `json:"requesterId"`
	RequesterRole   ActorRole       `json:"requesterRole"`
	SubjectRef      *string         `json:"subjectRef,omitempty"`
	Category        string          `json:"category"`
	Location        *GeoPoint       `json:"location,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Status          RequestStatus   `json:"status"`
	AssignedOfferId *string         `json:"assignedOfferId,omitempty"`
	FinalCost       *float64        `json:"finalCost,omitempty"`
	CancelReason    *string         `json:"cancelReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Transition describes a guarded status change applied by a store.
// The change only happens while the request is still in one of From.
type Transition struct {
	RequestId    string
	From         []RequestStatus
	To           RequestStatus
	FinalCost    *float64
	Reason       *string
	RejectOffers bool
}
