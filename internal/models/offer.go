package models

import (
	"encoding/json"
	"time"
)

type OfferStatus string

const (
	OfferPending   OfferStatus = "Pending"
	OfferAccepted  OfferStatus = "Accepted"
	OfferRejected  OfferStatus = "Rejected"
	OfferWithdrawn OfferStatus = "Withdrawn"
)

func ValidOfferStatus(s OfferStatus) bool {
	switch s {
	case OfferPending, OfferAccepted, OfferRejected, OfferWithdrawn:
		return true
	default:
		return false
	}
}

type Offer struct {
	Id          string          `json:"id"`
	RequestId   string          `json:"requestId"`
	ProviderId  string          `json:"providerId"`
	Terms       json.RawMessage `json:"terms,omitempty"`
	Price       *float64        `json:"price,omitempty"`
	Status      OfferStatus     `json:"status"`
	SubmittedAt time.Time       `json:"submittedAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}
