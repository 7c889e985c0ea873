// Package codes holds the stable wire error codes shared by every layer of
// the server. Clients localise these strings themselves; the server never
// sends a free-form message in their place.
package codes

import "errors"

// Code is a stable, wire-visible error identifier.
type Code string

// Validation errors (rejected requests).
const (
	CreateIDOccupied     Code = "create-id-occupied"
	JoinRoomFull         Code = "join-room-full"
	JoinRoomLocked       Code = "join-room-locked"
	JoinGameOngoing      Code = "join-game-ongoing"
	JoinCantMonitor      Code = "join-cant-monitor"
	RoomAlreadyInRoom    Code = "room-already-in-room"
	RoomNotFound         Code = "room-not-found"
	RoomBanned           Code = "room-banned"
	RoomNotWhitelisted   Code = "room-not-whitelisted"
	RoomOnlyHost         Code = "room-only-host"
	RoomInvalidState     Code = "room-invalid-state"
	RoomAlreadyReady     Code = "room-already-ready"
	RoomNotReady         Code = "room-not-ready"
	RoomGameAborted      Code = "room-game-aborted"
	StartNoChartSelected Code = "start-no-chart-selected"
	RecordInvalid        Code = "record-invalid"
	RecordAlreadyUploaded Code = "record-already-uploaded"
)

// External errors (upstream failure).
const (
	AuthFetchMeFailed Code = "auth-fetch-me-failed"
	AuthInvalidToken  Code = "auth-invalid-token"
	ChartFetchFailed  Code = "chart-fetch-failed"
	RecordFetchFailed Code = "record-fetch-failed"
	NetRequestTimeout Code = "net-request-timeout"
)

// Auth errors.
const (
	AuthAccountAlreadyOnline Code = "auth-account-already-online"
	AuthRepeatedAuthenticate Code = "auth-repeated-authenticate"
	AuthBanned               Code = "auth-banned"
	UserBannedByServer       Code = "user-banned-by-server"
)

// Protocol errors (terminate the connection; never sent as a command response).
const (
	FrameInvalidLength    Code = "frame-invalid-length"
	FramePayloadTooLarge  Code = "frame-payload-too-large"
	BinaryUnexpectedEOF   Code = "binary-unexpected-eof"
)

// Err wraps a Code as an error.
type Err struct {
	Code Code
}

func (e *Err) Error() string { return string(e.Code) }

// New returns an error carrying code.
func New(code Code) error { return &Err{Code: code} }

// As extracts the Code from err, if err is (or wraps) an *Err.
func As(err error) (Code, bool) {
	var e *Err
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
