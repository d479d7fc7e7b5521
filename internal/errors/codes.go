package errors

// Code is a stable machine-readable identifier for a specific failure.
type Code string

const (
	// Entity store
	CodeEntityNotFound      Code = "ENTITY_NOT_FOUND"
	CodeEntityInvalid       Code = "ENTITY_INVALID"
	CodeEntityIDImmutable   Code = "ENTITY_ID_IMMUTABLE"
	CodeBulkWriteFailed     Code = "BULK_WRITE_FAILED"

	// Relationship store
	CodeRelationshipInvalid Code = "RELATIONSHIP_INVALID"
	CodeEndpointMissing     Code = "ENDPOINT_MISSING"
	CodeTypeConflict        Code = "TYPE_CONFLICT"

	// Graph store
	CodeQueryFailed         Code = "QUERY_FAILED"
	CodeTxFailed            Code = "TX_FAILED"
	CodeConnectionFailed    Code = "CONNECTION_FAILED"
	CodeIndexCreationFailed Code = "INDEX_CREATION_FAILED"

	// Vector store
	CodeEmbeddingUnavailable Code = "EMBEDDING_UNAVAILABLE"
	CodeDimensionMismatch    Code = "DIMENSION_MISMATCH"
	CodeVectorIndexMissing   Code = "VECTOR_INDEX_MISSING"

	// History engine
	CodeHistoryDisabled    Code = "HISTORY_DISABLED"
	CodeCheckpointNotFound Code = "CHECKPOINT_NOT_FOUND"
	CodeRetentionInvalid   Code = "RETENTION_INVALID"
	CodePruneLockHeld      Code = "PRUNE_LOCK_HELD"

	// Pipeline
	CodeQueueOverflow   Code = "QUEUE_OVERFLOW"
	CodeCircuitOpen     Code = "CIRCUIT_OPEN"
	CodeParseFailed     Code = "PARSE_FAILED"
	CodeWorkerPanic     Code = "WORKER_PANIC"
	CodeRetryExhausted  Code = "RETRY_EXHAUSTED"
	CodePipelineStopped Code = "PIPELINE_STOPPED"

	// Backup / restore
	CodeBackupFailed           Code = "BACKUP_FAILED"
	CodeBackupNotFound         Code = "BACKUP_NOT_FOUND"
	CodeDependencyUnavailable  Code = "DEPENDENCY_UNAVAILABLE"
	CodeIntegrityMismatch      Code = "INTEGRITY_MISMATCH"
	CodeArtifactMissing        Code = "ARTIFACT_MISSING"
	CodeRestoreTokenInvalid    Code = "RESTORE_TOKEN_INVALID"
	CodeRestoreTokenExpired    Code = "RESTORE_TOKEN_EXPIRED"
	CodeRestoreTokenRequired   Code = "RESTORE_TOKEN_REQUIRED"
	CodeRestoreApprovalNeeded  Code = "RESTORE_APPROVAL_REQUIRED"
	CodeRestoreValidationError Code = "RESTORE_VALIDATION_FAILED"
	CodeRestoreInProgress      Code = "RESTORE_IN_PROGRESS"
	CodeProviderNotRegistered  Code = "PROVIDER_NOT_REGISTERED"
	CodeStreamingUnsupported   Code = "STREAMING_UNSUPPORTED"

	// Config
	CodeConfigInvalid      Code = "CONFIG_INVALID"
	CodeConfigUnknownField Code = "CONFIG_UNKNOWN_FIELD"

	// Generic
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeTimeout          Code = "TIMEOUT"
	CodeInternalError    Code = "INTERNAL_ERROR"
)

// HTTPStatus maps a code to the status the HTTP surface should return.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeEntityNotFound, CodeCheckpointNotFound, CodeBackupNotFound:
		return 404
	case CodeEntityInvalid, CodeRelationshipInvalid, CodeEntityIDImmutable,
		CodeValidationFailed, CodeRetentionInvalid, CodeConfigInvalid,
		CodeConfigUnknownField:
		return 400
	case CodeTypeConflict, CodeRestoreInProgress, CodePruneLockHeld:
		return 409
	case CodeQueueOverflow, CodeCircuitOpen:
		return 429
	case CodeTimeout:
		return 504
	case CodeDependencyUnavailable, CodeEmbeddingUnavailable:
		return 503
	case CodeRestoreTokenInvalid, CodeRestoreTokenExpired,
		CodeRestoreTokenRequired, CodeRestoreApprovalNeeded:
		return 403
	default:
		return 500
	}
}
