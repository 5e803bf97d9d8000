package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"fleetops/internal/models"
	"fleetops/internal/service"
)

type Service interface {
	CreateRequest(ctx context.Context, p service.CreateRequestParams) (models.Request, error)
	GetRequest(ctx context.Context, requestId string) (models.Request, error)
	EligibleRequestsFor(ctx context.Context, providerId string, limit, offset int) ([]models.Request, error)
	ListOffers(ctx context.Context, requestId, actorId string) ([]models.Offer, int, error)

	SubmitOffer(ctx context.Context, p service.SubmitOfferParams) (models.Offer, error)
	WithdrawOffer(ctx context.Context, offerId, providerId string) (models.Offer, error)
	AcceptOffer(ctx context.Context, requestId, offerId, actorId string) (models.Request, error)

	AdvanceStatus(ctx context.Context, p service.AdvanceParams) (models.Request, error)
	CancelRequest(ctx context.Context, requestId, actorId string, reason *string) (models.Request, error)
}

type Controller struct {
	service Service
	log     *slog.Logger
}

func NewController(service Service, log *slog.Logger) *Controller {
	return &Controller{service: service, log: log}
}

// GET /api/ping
func (c *Controller) Ping(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

//// Requests

// POST /api/requests/new
func (c *Controller) NewRequest(w http.ResponseWriter, r *http.Request) {
	data, err := c.readBody(r.Body)
	if err != nil {
		c.errorResponse(w, http.StatusInternalServerError, "could not read request body")
		return
	}

	params, err := ParseNewRequestReq(data)
	if err != nil {
		c.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := c.service.CreateRequest(r.Context(), *params)
	if err != nil {
		c.serviceErrorResponse(w, r, err)
		return
	}

	c.setETag(w, req)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	c.marshalResponse(w, req)
}

// GET /api/requests/{requestId}
func (c *Controller) GetRequest(w http.ResponseWriter, r *http.Request) {
	requestId := r.PathValue("requestId")
	if len(requestId) == 0 {
		c.errorResponse(w, http.StatusBadRequest, "empty requestId supplied")
		return
	}

	req, err := c.service.GetRequest(r.Context(), requestId)
	if err != nil {
		c.serviceErrorResponse(w, r, err)
		return
	}

	c.setETag(w, req)
	if match := r.Header.Get("If-None-Match"); len(match) > 0 && match == etag(req) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	c.marshalResponse(w, req)
}

// GET /api/requests/eligible
func (c *Controller) EligibleRequests(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit, err := c.getQueryInt(query, "limit")
	if err != nil || limit < 0 {
		c.errorResponse(w, http.StatusBadRequest, "invalid value of 'limit' query parameter: "+query.Get("limit"))
		return
	}

	offset, err := c.getQueryInt(query, "offset")
	if err != nil || offset < 0 {
		c.errorResponse(w, http.StatusBadRequest, "invalid value of 'offset' query parameter: "+query.Get("offset"))
		return
	}

	providerId := query.Get("providerId")
	if len(providerId) == 0 {
		c.errorResponse(w, http.StatusBadRequest, "empty providerId supplied")
		return
	}

	requests, err := c.service.EligibleRequestsFor(r.Context(), providerId, limit, offset)
	if err != nil {
		c.serviceErrorResponse(w, r, err)
		return
	}

	c.marshalResponse(w, requests)
}

// GET /api/requests/{requestId}/offers
func (c *Controller) RequestOffers(w http.ResponseWriter, r *http.Request) {
	requestId := r.PathValue("requestId")
	if len(requestId) == 0 {
		c.errorResponse(w, http.StatusBadRequest, "empty requestId supplied")
		return
	}

	actorId := r.URL.Query().Get("actorId")
	if len(actorId) == 0 {
		c.errorResponse(w, http.StatusBadRequest, "empty actorId supplied")
		return
	}

	offers, count, err := c.service.ListOffers(r.Context(), requestId, actorId)
	if err != nil {
		c.serviceErrorResponse(w, r, err)
		return
	}

	c.marshalResponse(w, OffersResponse{Offers: offers, Count: count})
}

// PUT /api/requests/{requestId}/status
func (c *Controller) SetRequestStatus(w http.ResponseWriter, r *http.Request) {
	requestId := r.PathValue("requestId")
	if len(requestId) == 0 {
		c.errorResponse(w, http.StatusBadRequest, "empty requestId supplied")
		return
	}

	data, err := c.readBody(r.Body)
	if err != nil {
		c.errorResponse(w, http.StatusInternalServerError, "could not read request body")
		return
	}

	params, err := ParseStatusReq(data)
	if err != nil {
		c.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	params.RequestId = requestId

	req, err := c.service.AdvanceStatus(r.Context(), *params)
	if err != nil {
		c.serviceErrorResponse(w, r, err)
		return
	}

	c.setETag(w, req)
	c.marshalResponse(w, req)
}

// PUT /api/requests/{requestId}/cancel
func (c *Controller) CancelRequest(w http.ResponseWriter, r *http.Request) {
	requestId := r.PathValue("requestId")
	if len(requestId) == 0 {
		c.errorResponse(w, http.StatusBadRequest, "empty requestId supplied")
		return
	}

	actorId := r.URL.Query().Get("actorId")
	if len(actorId) == 0 {
		c.errorResponse(w, http.StatusBadRequest, "empty actorId supplied")
		return
	}

	data, err := c.readBody(r.Body)
	if err != nil {
		c.errorResponse(w, http.StatusInternalServerError, "could not read request body")
		return
	}

	body, err := ParseCancelReq(data)
	if err != nil {
		c.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := c.service.CancelRequest(r.Context(), requestId, actorId, body.Reason)
	if err != nil {
		c.serviceErrorResponse(w, r, err)
		return
	}

	c.setETag(w, req)
	c.marshalResponse(w, req)
}

//// Offers

// POST /api/requests/{requestId}/offers
func (c *Controller) NewOffer(w http.ResponseWriter, r *http.Request) {
	requestId := r.PathValue("requestId")
	if len(requestId) == 0 {
		c.errorResponse(w, http.StatusBadRequest, "empty requestId supplied")
		return
	}

	data, err := c.readBody(r.Body)
	if err != nil {
		c.errorResponse(w, http.StatusInternalServerError, "could not read request body")
		return
	}

	params, err := ParseNewOfferReq(data)
	if err != nil {
		c.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	params.RequestId = requestId

	offer, err := c.service.SubmitOffer(r.Context(), *params)
	if err != nil {
		c.serviceErrorResponse(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	c.marshalResponse(w, offer)
}

// PUT /api/offers/{offerId}/withdraw
func (c *Controller) WithdrawOffer(w http.ResponseWriter, r *http.Request) {
	offerId := r.PathValue("offerId")
	if len(offerId) == 0 {
		c.errorResponse(w, http.StatusBadRequest, "empty offerId supplied")
		return
	}

	providerId := r.URL.Query().Get("providerId")
	if len(providerId) == 0 {
		c.errorResponse(w, http.StatusBadRequest, "empty providerId supplied")
		return
	}

	offer, err := c.service.WithdrawOffer(r.Context(), offerId, providerId)
	if err != nil {
		c.serviceErrorResponse(w, r, err)
		return
	}

	c.marshalResponse(w, offer)
}

// PUT /api/requests/{requestId}/accept/{offerId}
func (c *Controller) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	requestId, offerId := r.PathValue("requestId"), r.PathValue("offerId")
	if len(requestId) == 0 || len(offerId) == 0 {
		c.errorResponse(w, http.StatusBadRequest, "empty requestId or offerId supplied")
		return
	}

	actorId := r.URL.Query().Get("actorId")
	if len(actorId) == 0 {
		c.errorResponse(w, http.StatusBadRequest, "empty actorId supplied")
		return
	}

	req, err := c.service.AcceptOffer(r.Context(), requestId, offerId, actorId)
	if err != nil {
		c.serviceErrorResponse(w, r, err)
		return
	}

	c.setETag(w, req)
	c.marshalResponse(w, req)
}

//// Service

type ErrorResponse struct {
	Reason string `json:"reason"`
}

type OffersResponse struct {
	Offers []models.Offer `json:"offers"`
	Count  int            `json:"count"`
}

func (c *Controller) getQueryInt(query url.Values, key string) (int, error) {
	strs, ok := query[key]
	if ok && len(strs) > 0 {
		return strconv.Atoi(strs[0])
	}
	return 0, nil
}

func (c *Controller) errorResponse(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	data, err := json.Marshal(ErrorResponse{Reason: text})
	if err != nil {
		c.log.Error("controller.Controller.errorResponse", slog.String("error", err.Error()))
		return
	}

	_, err = w.Write(data)
	if err != nil {
		c.log.Error("controller.Controller.errorResponse", slog.String("error", err.Error()))
		return
	}
}

func (c *Controller) serviceErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		c.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		c.errorResponse(w, http.StatusNotFound, "requested request or offer does not exist")
	case errors.Is(err, models.ErrNotEligible):
		c.errorResponse(w, http.StatusForbidden, "provider is not eligible for this request")
	case errors.Is(err, models.ErrForbidden):
		c.errorResponse(w, http.StatusForbidden, "actor has no permission for requested action")
	case errors.Is(err, models.ErrDuplicateOffer):
		c.errorResponse(w, http.StatusConflict, "provider already has a pending offer on this request")
	case errors.Is(err, models.ErrInvalidState):
		c.errorResponse(w, http.StatusConflict, "request or offer is not in a state that allows this action")
	case errors.Is(err, models.ErrInvalidTransition):
		c.errorResponse(w, http.StatusConflict, "requested status transition is not allowed")
	case errors.Is(err, models.ErrConflict):
		c.errorResponse(w, http.StatusConflict, "request was changed concurrently, re-fetch and retry")
	case errors.Is(err, models.ErrDependency):
		c.log.WarnContext(r.Context(), "dependency unavailable", slog.String("error", err.Error()))
		c.errorResponse(w, http.StatusServiceUnavailable, "a dependency is unavailable, retry later")
	default:
		c.log.ErrorContext(r.Context(), "controller: unexpected error", slog.String("error", err.Error()))
		c.errorResponse(w, http.StatusInternalServerError, "internal server error")
	}
}

func (c *Controller) marshalResponse(w http.ResponseWriter, data any) {
	d, err := json.Marshal(data)
	if err != nil {
		c.errorResponse(w, http.StatusInternalServerError, "could not marshal response data")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(d)
	if err != nil {
		c.log.Error("controller.Controller.marshalResponse", slog.String("error", err.Error()))
		return
	}
}

func (c *Controller) readBody(src io.ReadCloser) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(src, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	src.Close()
	return data, nil
}

func (c *Controller) setETag(w http.ResponseWriter, req models.Request) {
	w.Header().Set("ETag", etag(req))
}

func etag(req models.Request) string {
	return `"` + strconv.Itoa(req.Version) + `"`
}
