package database

import "errors"

var (
	// ErrTaskNotClaimed is returned when the pending→running flip affects no
	// rows, meaning another worker already claimed the task.
	ErrTaskNotClaimed = errors.New("task already claimed")

	// ErrAlreadyValidated is returned when validation targets a prediction
	// whose outcome was already recorded. Validation happens exactly once.
	ErrAlreadyValidated = errors.New("prediction already validated")

	// ErrTestConcluded is returned when an update targets an A/B test that
	// already reached a terminal state.
	ErrTestConcluded = errors.New("ab test already concluded")
)
