package errors

import "fmt"

// MaintenanceOperationError wraps any engine error raised during a
// long-running maintenance operation (backup, restore, prune) with enough
// context for orchestration layers to act on it.
type MaintenanceOperationError struct {
	Code       Code   `json:"code"`
	StatusCode int    `json:"statusCode"`
	Component  string `json:"component"`
	Stage      string `json:"stage"`
	Cause      error  `json:"-"`
}

func (e *MaintenanceOperationError) Error() string {
	return fmt.Sprintf("maintenance operation failed at %s/%s [%s]: %v",
		e.Component, e.Stage, e.Code, e.Cause)
}

func (e *MaintenanceOperationError) Unwrap() error { return e.Cause }

// Maintenance wraps err for the given component and stage, lifting the code
// and HTTP status from the underlying *Error when present.
func Maintenance(component, stage string, err error) *MaintenanceOperationError {
	code := CodeOf(err)
	return &MaintenanceOperationError{
		Code:       code,
		StatusCode: code.HTTPStatus(),
		Component:  component,
		Stage:      stage,
		Cause:      err,
	}
}
