package merkledrop

import "errors"

var (
	ErrDuplicateRound       = errors.New("merkledrop: round already registered")
	ErrUnknownRound         = errors.New("merkledrop: unknown round")
	ErrInvalidProof         = errors.New("merkledrop: invalid proof")
	ErrAlreadyClaimed       = errors.New("merkledrop: already claimed")
	ErrUnauthorizedClaimant = errors.New("merkledrop: caller is not the beneficiary")
	ErrDispatchFailure      = errors.New("merkledrop: dispatch failed")

	ErrInvalidRound  = errors.New("merkledrop: round id must be positive")
	ErrInvalidRoot   = errors.New("merkledrop: root must not be empty")
	ErrInvalidAmount = errors.New("merkledrop: amount must be positive and fit in 256 bits")
	ErrUnknownAsset  = errors.New("merkledrop: asset not registered")
	ErrInvalidRange  = errors.New("merkledrop: invalid round range")
	ErrEmptyBatch    = errors.New("merkledrop: empty claim batch")
	ErrBatchTooLarge = errors.New("merkledrop: claim batch too large")

	ErrInvalidDelivery  = errors.New("merkledrop: invalid delivery")
	ErrChannelExhausted = errors.New("merkledrop: claim exceeds channel balance")
	ErrLedgerBusy       = errors.New("merkledrop: ledger busy")
)
