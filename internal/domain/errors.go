package domain

import "errors"

var (
	// ErrCompetitionNotFound indicates the competition does not exist in the store.
	ErrCompetitionNotFound = errors.New("competition not found")
	// ErrParticipantNotFound indicates no participant row for the given ID.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrQuestionNotFound indicates a question ID is unknown locally and remotely.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrAnswerOptionNotFound indicates a selected option ID is invalid for the question.
	ErrAnswerOptionNotFound = errors.New("answer option not found")
	// ErrDuplicateAnswer indicates an answer row already exists for the
	// (participant, question) pair; callers treat it as success.
	ErrDuplicateAnswer = errors.New("answer already recorded")
	// ErrCompetitionFull indicates the participant limit has been reached.
	ErrCompetitionFull = errors.New("competition is full")
	// ErrJoinClosed indicates the competition is active and does not allow mid-join.
	ErrJoinClosed = errors.New("competition no longer accepts participants")
	// ErrRemoteUnavailable indicates the authoritative store cannot be reached.
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	// ErrNoCachedCompetition indicates preload failed and no prior cache exists.
	ErrNoCachedCompetition = errors.New("no cached competition data")
	// ErrMissingUserID indicates the identity provider yielded no user ID.
	ErrMissingUserID = errors.New("user id is required")
	// ErrNoResults indicates no results snapshot has been stored yet.
	ErrNoResults = errors.New("results not available")
)
