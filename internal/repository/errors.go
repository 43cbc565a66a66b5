package repository

import "errors"

var (
	// ErrTokenAlreadyRevoked means the compare-and-set on a refresh token lost:
	// the row was revoked before this caller could consume it.
	ErrTokenAlreadyRevoked = errors.New("refresh token already revoked")
	// ErrTokenExpired means the token lapsed between lookup and consumption.
	ErrTokenExpired = errors.New("refresh token expired")
	// ErrEventAlreadyRecorded means the ledger already holds the event identifier.
	ErrEventAlreadyRecorded = errors.New("event already recorded")
	// ErrConcurrentProvision means another delivery created the subscription first.
	ErrConcurrentProvision = errors.New("subscription provisioned concurrently")
)
