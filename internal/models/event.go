package models

import "time"

type EventType string

const (
	EventRequestCreated   EventType = "RequestCreated"
	EventOfferSubmitted   EventType = "OfferSubmitted"
	EventOfferWithdrawn   EventType = "OfferWithdrawn"
	EventRequestAssigned  EventType = "RequestAssigned"
	EventOfferRejected    EventType = "OfferRejected"
	EventRequestStarted   EventType = "RequestStarted"
	EventRequestCompleted EventType = "RequestCompleted"
	EventRequestCancelled EventType = "RequestCancelled"
	EventRequestDeclined  EventType = "RequestDeclined"
)

// Event is a lifecycle notification produced after a committed change.
// Recipients lists explicit actor ids; BroadcastEligible additionally targets
// every provider eligible for Request.
type Event struct {
	Id                string
	Type              EventType
	Request           Request
	Offer             *Offer
	ActorId           string
	Recipients        []string
	BroadcastEligible bool
	OccurredAt        time.Time
}
