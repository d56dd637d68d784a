package models

import (
	"encoding/json"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Envelope is the frame exchanged over the realtime connection in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound action types.
const (
	MsgLocationUpdate  = "locationUpdate"
	MsgExtendTimer     = "extendTimer"
	MsgMarkPassenger   = "markPassenger"
	MsgUnmarkPassenger = "unmarkPassenger"
	MsgStopSharing     = "stopSharing"
	MsgPing            = "ping"
)

// Outbound notification types.
const (
	MsgRemainingTime     = "remainingTime"
	MsgTimerEnded        = "timerEnded"
	MsgExtended          = "extended"
	MsgDriverMarked      = "driverMarked"
	MsgDriverUnmarked    = "driverUnmarked"
	MsgPassengerMarked   = "passengerMarked"
	MsgPassengerUnmarked = "passengerUnmarked"
	MsgPassengerLocation = "passengerLocation"
	MsgPassengerExpired  = "passengerExpired"
	MsgPassengerRemoved  = "passengerRemoved"
	MsgPassengerList     = "passengerList"
	MsgError             = "error"
	MsgPong              = "pong"
)

type LocationUpdate struct {
	PassengerID string  `json:"passengerId"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	DayCardID   string  `json:"dayCardId,omitempty"`
}

type ExtendTimer struct {
	PassengerID string `json:"passengerId"`
}

// MarkPassenger is used for both markPassenger and unmarkPassenger.
type MarkPassenger struct {
	PassengerID string `json:"passengerId"`
	DriverID    string `json:"driverId"`
}

type StopSharing struct {
	PassengerID string `json:"passengerId"`
}

type RemainingTime struct {
	RemainingMs int64 `json:"remainingMs"`
}

type TimerEnded struct{}

type Extended struct {
	TotalDurationMs int64 `json:"totalDurationMs"`
	ExtensionCount  int   `json:"extensionCount"`
}

type DriverMarked struct {
	DriverID string `json:"driverId"`
}

type DriverUnmarked struct{}

type PassengerMarked struct {
	PassengerID string `json:"passengerId"`
	DriverID    string `json:"driverId"`
}

// PassengerRef carries only the passenger id; used by unmarked, expired and removed broadcasts.
type PassengerRef struct {
	PassengerID string `json:"passengerId"`
}

type PassengerLocation struct {
	PassengerID string  `json:"passengerId"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	DayCardID   string  `json:"dayCardId,omitempty"`
}

// PassengerSummary is the driver-facing view of a waiting passenger.
type PassengerSummary struct {
	PassengerID     string    `json:"passengerId"`
	Location        Coord     `json:"location"`
	DayCardID       string    `json:"dayCardId,omitempty"`
	ClaimedBy       string    `json:"claimedBy,omitempty"`
	TimerStartedAt  time.Time `json:"timerStartedAt,omitempty"`
	TotalDurationMs int64     `json:"totalDurationMs"`
}

type PassengerList struct {
	Passengers []PassengerSummary `json:"passengers"`
}

type ErrorMessage struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Audience selects which sessions a notification is delivered to.
type Audience int

const (
	// AudienceOwn addresses the passenger session whose key equals Target.Key.
	AudienceOwn Audience = iota
	// AudienceBroadcast addresses every connected driver session.
	AudienceBroadcast
	// AudienceDriver addresses the single driver session whose key equals Target.Key.
	AudienceDriver
)

func (a Audience) String() string {
	switch a {
	case AudienceOwn:
		return "own"
	case AudienceBroadcast:
		return "broadcast"
	case AudienceDriver:
		return "driver"
	default:
		return "unknown"
	}
}

type Target struct {
	Audience Audience
	Key      string
}

func Own(passengerID string) Target { return Target{Audience: AudienceOwn, Key: passengerID} }

func Broadcast() Target { return Target{Audience: AudienceBroadcast} }

func Driver(driverID string) Target { return Target{Audience: AudienceDriver, Key: driverID} }

// Notification is an outbound message plus its routing target.
type Notification struct {
	Target  Target
	Type    string
	Payload any
}
