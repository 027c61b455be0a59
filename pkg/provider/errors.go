package provider

import (
	"context"
	"errors"
	"time"

	"taskengine/pkg/taskerrors"
)

// EffectiveTimeout returns the smaller of a task's requested timeout and the provider ceiling.
// A non-positive task timeout means the ceiling applies.
func EffectiveTimeout(task, ceiling time.Duration) time.Duration {
	if task <= 0 || (ceiling > 0 && ceiling < task) {
		return ceiling
	}
	return task
}

// ClassifyError normalizes a failed provider call. caller is the context the round was invoked
// with and round the derived context carrying the provider timeout; status is the HTTP status
// when known. Caller cancellation is RUN_CANCELED, an expired round deadline is a retryable
// PROVIDER_TIMEOUT, and classified errors pass through.
func ClassifyError(caller, round context.Context, err error, status int) error {
	if err == nil {
		return nil
	}
	if caller.Err() != nil {
		return taskerrors.Wrap(taskerrors.CodeRunCanceled, caller.Err(), "round canceled by caller")
	}
	if round.Err() != nil {
		return &taskerrors.Error{
			Code:            taskerrors.CodeProviderTimeout,
			Err:             err,
			Message:         "provider round timed out",
			Retryable:       true,
			SuggestedAction: taskerrors.ActionRetry,
		}
	}

	var te *taskerrors.Error
	if errors.As(err, &te) {
		return te
	}
	if status > 0 {
		e := taskerrors.HTTPStatus(status, "provider returned an error status")
		e.Err = err
		return e
	}
	return &taskerrors.Error{
		Code:            taskerrors.CodeProviderHTTP,
		Err:             err,
		Message:         "provider call failed",
		Retryable:       true,
		SuggestedAction: taskerrors.ActionRetry,
	}
}
