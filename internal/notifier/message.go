package notifier

import (
	"bytes"
	"fmt"
	"sync"
	"text/template"
	"time"

	"fleetops/internal/models"
)

// Notification is the payload handed to a Sink, one per recipient.
type Notification struct {
	EventId     string               `json:"eventId"`
	EventType   models.EventType     `json:"eventType"`
	RequestId   string               `json:"requestId"`
	Category    string               `json:"category"`
	Status      models.RequestStatus `json:"status"`
	OfferId     string               `json:"offerId,omitempty"`
	ProviderId  string               `json:"providerId,omitempty"`
	ActorId     string               `json:"actorId,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	RecipientId string               `json:"recipientId"`
	Contact     models.Contact       `json:"contact"`
	Message     string               `json:"message"`
	OccurredAt  time.Time            `json:"occurredAt"`
}

var defaultTemplates = map[models.EventType]string{
	models.EventRequestCreated:   `New {{.Category}} request {{.RequestId}} is open for offers`,
	models.EventOfferSubmitted:   `Provider {{.ProviderId}} sent an offer for request {{.RequestId}}`,
	models.EventOfferWithdrawn:   `Provider {{.ProviderId}} withdrew offer {{.OfferId}} for request {{.RequestId}}`,
	models.EventRequestAssigned:  `Request {{.RequestId}} was assigned to offer {{.OfferId}}`,
	models.EventOfferRejected:    `Your offer {{.OfferId}} for request {{.RequestId}} was not selected`,
	models.EventRequestStarted:   `Work on request {{.RequestId}} has started`,
	models.EventRequestCompleted: `Request {{.RequestId}} is completed`,
	models.EventRequestCancelled: `Request {{.RequestId}} was cancelled{{if .Reason}}: {{.Reason}}{{end}}`,
	models.EventRequestDeclined:  `Request {{.RequestId}} was declined{{if .Reason}}: {{.Reason}}{{end}}`,
}

func newNotification(evt models.Event, recipient models.Actor) Notification {
	n := Notification{
		EventId:     evt.Id,
		EventType:   evt.Type,
		RequestId:   evt.Request.Id,
		Category:    evt.Request.Category,
		Status:      evt.Request.Status,
		ActorId:     evt.ActorId,
		RecipientId: recipient.Id,
		Contact:     recipient.Contact,
		OccurredAt:  evt.OccurredAt,
	}
	if evt.Offer != nil {
		n.OfferId = evt.Offer.Id
		n.ProviderId = evt.Offer.ProviderId
	}
	if evt.Request.CancelReason != nil {
		n.Reason = *evt.Request.CancelReason
	}
	return n
}

// templates caches parsed message templates by source text.
type templates struct {
	mu     sync.Mutex
	parsed map[string]*template.Template
}

func (t *templates) render(policy models.CategoryPolicy, n Notification) (string, error) {
	src, ok := policy.Template(n.EventType)
	if !ok {
		src, ok = defaultTemplates[n.EventType]
		if !ok {
			return "", fmt.Errorf("notifier: no template for event '%s'", n.EventType)
		}
	}

	tmpl, err := t.get(src)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, n)
	if err != nil {
		return "", fmt.Errorf("notifier: render %s: %w", n.EventType, err)
	}
	return buf.String(), nil
}

func (t *templates) get(src string) (*template.Template, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tmpl, ok := t.parsed[src]; ok {
		return tmpl, nil
	}
	tmpl, err := template.New("message").Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("notifier: parse template: %w", err)
	}
	if t.parsed == nil {
		t.parsed = make(map[string]*template.Template)
	}
	t.parsed[src] = tmpl
	return tmpl, nil
}
