package model

import "errors"

var (
	ErrUnknownComponent          = errors.New("unknown component")
	ErrSubscriptionNotConfigured = errors.New("subscription not configured")
	ErrSecretDecryptionFailed    = errors.New("secret decryption failed")
	ErrWorkspaceNotFound         = errors.New("workspace not found")
	ErrExecutionTimeout          = errors.New("execution timed out")
	ErrToolExecutionFailed       = errors.New("tool execution failed")
	ErrDeploymentAlreadyInFlight = errors.New("deployment already in flight")

	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidArgument = errors.New("invalid argument")
)

// KindInterrupted is recorded for deployments that were in flight when the
// service stopped.
const KindInterrupted = "Interrupted"

var kinds = []struct {
	err  error
	name string
}{
	{ErrUnknownComponent, "UnknownComponent"},
	{ErrSubscriptionNotConfigured, "SubscriptionNotConfigured"},
	{ErrSecretDecryptionFailed, "SecretDecryptionFailed"},
	{ErrWorkspaceNotFound, "WorkspaceNotFound"},
	{ErrExecutionTimeout, "ExecutionTimeout"},
	{ErrToolExecutionFailed, "ToolExecutionFailed"},
	{ErrDeploymentAlreadyInFlight, "DeploymentAlreadyInFlight"},
	{ErrNotFound, "NotFound"},
	{ErrAlreadyExists, "AlreadyExists"},
	{ErrInvalidState, "InvalidState"},
	{ErrInvalidArgument, "InvalidArgument"},
}

// KindOf names the taxonomy entry err belongs to, or "Internal".
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}
