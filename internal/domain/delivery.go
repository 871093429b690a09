package domain

import "time"

// DeliveryOutcome is the classification of one push gateway submission.
type DeliveryOutcome string

const (
	OutcomeSuccess   DeliveryOutcome = "SUCCESS"
	OutcomeRetryable DeliveryOutcome = "RETRYABLE"
	OutcomeFatal     DeliveryOutcome = "FATAL"
)

func (o DeliveryOutcome) String() string { return string(o) }

// DeliveryLog records a single delivery of a call attempt.
type DeliveryLog struct {
	ID            string
	CallID        string
	AttemptNumber int
	Platform      Platform
	Outcome       DeliveryOutcome
	StatusCode    *int
	Reason        *string
	Error         *string
	CreatedAt     time.Time
}

// ReceiptStatus is the device-reported fate of a delivered call.
type ReceiptStatus string

const (
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptAnswered  ReceiptStatus = "answered"
	ReceiptConnected ReceiptStatus = "connected"
	ReceiptDeclined  ReceiptStatus = "declined"
	ReceiptFailed    ReceiptStatus = "failed"
)

func (s ReceiptStatus) String() string { return string(s) }

func (s ReceiptStatus) IsValid() bool {
	switch s {
	case ReceiptDelivered, ReceiptAnswered, ReceiptConnected, ReceiptDeclined, ReceiptFailed:
		return true
	}
	return false
}

// Acknowledges reports whether the receipt confirms the device received the call.
func (s ReceiptStatus) Acknowledges() bool {
	switch s {
	case ReceiptDelivered, ReceiptAnswered, ReceiptConnected:
		return true
	}
	return false
}

// DeliveryReceipt is an analytics record reported by the device.
type DeliveryReceipt struct {
	ID              string
	CallID          string
	UserID          string
	Status          ReceiptStatus
	DeviceTimestamp time.Time
	ReceivedAt      time.Time
}

// AckResult is the outcome of an acknowledgment.
type AckResult string

const (
	AckOK              AckResult = "ok"
	AckNotFound        AckResult = "notFound"
	AckAlreadyTerminal AckResult = "alreadyTerminal"
	// AckPending means the attempt exists but is between deliveries.
	AckPending AckResult = "pending"
)

func (r AckResult) String() string { return string(r) }
