// Package transport defines the batch delivery protocol between the device
// and the remote collector.
package transport

import (
	"context"
	"fmt"
)

// BatchEvent is one event inside a batch send request. PayloadJSON carries
// the decoded plaintext payload.
type BatchEvent struct {
	ID               string `json:"id"`
	IdempotencyKey   string `json:"idempotencyKey"`
	Type             string `json:"type"`
	PayloadJSON      string `json:"payloadJson"`
	CreatedAtEpochMs int64  `json:"createdAtEpochMs"`
}

// BatchSendRequest is the wire shape of one delivery attempt.
type BatchSendRequest struct {
	BatchID       string       `json:"batchId"`
	DeviceID      string       `json:"deviceId"`
	AppVersion    string       `json:"appVersion"`
	LocationID    string       `json:"locationId"`
	SentAtEpochMs int64        `json:"sentAtEpochMs"`
	Events        []BatchEvent `json:"events"`
}

// EventAck is the collector's per-event acknowledgement, matched to a
// submitted event by ID.
type EventAck struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotencyKey"`
	Accepted       bool   `json:"accepted"`
	Retryable      bool   `json:"retryable"`
	Error          string `json:"error,omitempty"`
	ServerEventID  string `json:"serverEventId,omitempty"`
}

// BatchSendResponse is the collector's structured response to a batch.
type BatchSendResponse struct {
	AcceptedCount int        `json:"acceptedCount"`
	Acks          []EventAck `json:"acks"`
}

// Status classifies a batch send outcome.
type Status int

// Outcome classifications.
const (
	// StatusSuccess means the collector was reached and returned a
	// structured response; individual events may still have been rejected.
	StatusSuccess Status = iota + 1
	// StatusTransient means the attempt failed in a way that a later retry
	// may resolve (network error, 5xx, 429, auth that may refresh).
	StatusTransient
	// StatusPermanent means the attempt failed in a way retries cannot fix
	// without operator intervention (schema or configuration errors).
	StatusPermanent
)

// String returns the classification name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTransient:
		return "transient_failure"
	case StatusPermanent:
		return "permanent_failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the classified outcome of one batch send. Response is set only
// for StatusSuccess. HTTPStatus is zero when no HTTP response was received.
type Result struct {
	Status     Status
	Response   *BatchSendResponse
	HTTPStatus int
	Message    string
	Cause      error
}

// Success builds a successful result.
func Success(resp *BatchSendResponse, httpStatus int) Result {
	return Result{Status: StatusSuccess, Response: resp, HTTPStatus: httpStatus}
}

// Transient builds a retryable failure result.
func Transient(message string, httpStatus int, cause error) Result {
	return Result{Status: StatusTransient, Message: message, HTTPStatus: httpStatus, Cause: cause}
}

// Permanent builds a non-retryable failure result.
func Permanent(message string, httpStatus int, cause error) Result {
	return Result{Status: StatusPermanent, Message: message, HTTPStatus: httpStatus, Cause: cause}
}

// Config identifies the collector endpoint for a send.
type Config struct {
	Endpoint  string
	AuthToken string
}

// Configured reports whether the endpoint is set.
func (c Config) Configured() bool {
	return c.Endpoint != ""
}

// Transport delivers event batches to the collector. Implementations must
// classify every failure, including their own timeouts, as Transient or
// Permanent and must never panic across this boundary.
type Transport interface {
	SendBatch(ctx context.Context, cfg Config, req BatchSendRequest) Result
}
