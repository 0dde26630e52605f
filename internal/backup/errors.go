package backup

import (
	"errors"
	"fmt"
)

// BackupError represents errors that occur during backup, restore and import
type BackupError struct {
	Type    BackupErrorType        `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *BackupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BackupError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a scheduled sweep may try the operation again.
func (e *BackupError) Retryable() bool {
	switch e.Type {
	case BackupErrorTypeStorage, BackupErrorTypeNetwork, BackupErrorTypeDatabase:
		return true
	default:
		return false
	}
}

// BackupErrorType represents different types of backup errors
type BackupErrorType string

const (
	BackupErrorTypeNotFound           BackupErrorType = "NOT_FOUND"
	BackupErrorTypeTooLarge           BackupErrorType = "TOO_LARGE"
	BackupErrorTypeInvalidFormat      BackupErrorType = "INVALID_FORMAT"
	BackupErrorTypeSchemaMismatch     BackupErrorType = "SCHEMA_MISMATCH"
	BackupErrorTypeTenantMismatch     BackupErrorType = "TENANT_MISMATCH"
	BackupErrorTypePartialArchive     BackupErrorType = "PARTIAL_ARCHIVE_FAILURE"
	BackupErrorTypeTransactionAborted BackupErrorType = "TRANSACTION_ABORTED"

	BackupErrorTypeStorage       BackupErrorType = "STORAGE_ERROR"
	BackupErrorTypeNetwork       BackupErrorType = "NETWORK_ERROR"
	BackupErrorTypeDatabase      BackupErrorType = "DATABASE_ERROR"
	BackupErrorTypeEncryption    BackupErrorType = "ENCRYPTION_ERROR"
	BackupErrorTypeValidation    BackupErrorType = "VALIDATION_ERROR"
	BackupErrorTypeConfiguration BackupErrorType = "CONFIGURATION_ERROR"
)

// NewBackupError creates a new BackupError
func NewBackupError(errorType BackupErrorType, message string, cause error) *BackupError {
	return &BackupError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *BackupError) WithContext(key string, value interface{}) *BackupError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewNotFoundError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNotFound, message, cause)
}

func NewTooLargeError(size, limit int64) *BackupError {
	return NewBackupError(BackupErrorTypeTooLarge,
		fmt.Sprintf("archive is %d bytes, limit is %d bytes", size, limit), nil).
		WithContext("size", size).
		WithContext("limit", limit)
}

func NewInvalidFormatError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeInvalidFormat, message, cause)
}

func NewSchemaMismatchError(got, want string) *BackupError {
	return NewBackupError(BackupErrorTypeSchemaMismatch,
		fmt.Sprintf("archive schema version %q does not match %q", got, want), nil)
}

// NewTenantMismatchError is never downgraded to a warning.
func NewTenantMismatchError(archiveTenant, requested int64) *BackupError {
	return NewBackupError(BackupErrorTypeTenantMismatch,
		fmt.Sprintf("archive belongs to tenant %d, not tenant %d", archiveTenant, requested), nil).
		WithContext("archive_tenant_id", archiveTenant).
		WithContext("tenant_id", requested)
}

func NewPartialArchiveError(step string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypePartialArchive, fmt.Sprintf("step %s failed", step), cause).
		WithContext("step", step)
}

func NewTransactionAbortedError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeTransactionAborted, message, cause)
}

func NewStorageError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeStorage, message, cause)
}

func NewNetworkError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNetwork, message, cause)
}

func NewDatabaseError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeDatabase, message, cause)
}

func NewEncryptionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeEncryption, message, cause)
}

func NewValidationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeValidation, message, cause)
}

func NewConfigurationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConfiguration, message, cause)
}

// IsKind reports whether any error in err's chain is a BackupError of the given type.
func IsKind(err error, kind BackupErrorType) bool {
	var backupErr *BackupError
	for err != nil {
		if !errors.As(err, &backupErr) {
			return false
		}
		if backupErr.Type == kind {
			return true
		}
		err = backupErr.Cause
	}
	return false
}

// KindOf returns the outermost BackupError type in err's chain, or "".
func KindOf(err error) BackupErrorType {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Type
	}
	return ""
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Retryable()
	}
	return false
}
