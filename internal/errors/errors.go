// Package errors provides the structured error taxonomy for export and import jobs.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

const (
	CodeUpload               Code = "UPLOAD_ERROR"
	CodeArchiveCorrupt       Code = "ARCHIVE_CORRUPT"
	CodeDecryption           Code = "DECRYPTION_FAILED"
	CodeDatabaseExport       Code = "DATABASE_EXPORT"
	CodeDatabaseImport       Code = "DATABASE_IMPORT"
	CodeIncompatibleTopology Code = "INCOMPATIBLE_TOPOLOGY"
	CodeDiskSpace            Code = "DISK_SPACE"
	CodeJobNotFound          Code = "JOB_NOT_FOUND"
	CodeBackupNotFound       Code = "BACKUP_NOT_FOUND"
	CodeJobLocked            Code = "JOB_LOCKED"
	CodeInvalidRequest       Code = "INVALID_REQUEST"
	CodeInvalidOptions       Code = "INVALID_OPTIONS"
	CodeAborted              Code = "JOB_ABORTED"
	CodeInternal             Code = "INTERNAL"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryUnavailable
	CategoryInsufficientStorage
)

var codeCategories = map[Code]Category{
	CodeUpload:               CategoryUnavailable,
	CodeArchiveCorrupt:       CategoryBadRequest,
	CodeDecryption:           CategoryBadRequest,
	CodeDatabaseExport:       CategoryInternal,
	CodeDatabaseImport:       CategoryInternal,
	CodeIncompatibleTopology: CategoryConflict,
	CodeDiskSpace:            CategoryInsufficientStorage,
	CodeJobNotFound:          CategoryNotFound,
	CodeBackupNotFound:       CategoryNotFound,
	CodeJobLocked:            CategoryConflict,
	CodeInvalidRequest:       CategoryBadRequest,
	CodeInvalidOptions:       CategoryBadRequest,
	CodeAborted:              CategoryConflict,
	CodeInternal:             CategoryInternal,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryUnavailable:
		return 503
	case CategoryInsufficientStorage:
		return 507
	default:
		return 500
	}
}

// Error is the structured error carried across the step boundary.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`

	// Offset is the archive byte offset where parsing failed, for ARCHIVE_CORRUPT.
	Offset int64 `json:"offset,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage returns a human-readable message for CLI output.
func (e *Error) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// Retryable reports whether the external trigger loop should re-issue the
// same step rather than abort the job.
func (e *Error) Retryable() bool {
	return e.Code == CodeUpload
}

// Fatal reports whether the job's scratch state should be discarded.
// Decryption failures keep scratch so the caller can supply another password.
func (e *Error) Fatal() bool {
	switch e.Code {
	case CodeUpload, CodeDecryption, CodeJobLocked, CodeInvalidRequest, CodeJobNotFound, CodeBackupNotFound:
		return false
	}
	return true
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	c := *e
	c.Cause = err
	return &c
}

// Detail is the wire form of an error in API and CLI responses.
type Detail struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Detail converts the error into its response form.
func (e *Error) Detail() Detail {
	return Detail{Code: e.Code, Message: e.Error()}
}

// --- Error constructors ---

// ErrUpload reports a bad, missing or oversized input archive.
func ErrUpload(why string, cause error) *Error {
	return &Error{
		Code:  CodeUpload,
		What:  "archive upload failed",
		Why:   why,
		Fix:   "Retry the upload, or use a smaller file or a different storage source",
		Cause: cause,
	}
}

// ErrArchiveCorrupt reports structural damage in the archive container.
func ErrArchiveCorrupt(offset int64, cause error) *Error {
	return &Error{
		Code:   CodeArchiveCorrupt,
		What:   fmt.Sprintf("archive is corrupt at offset %d", offset),
		Fix:    "Re-transfer the archive from its source; a damaged archive cannot be imported",
		Offset: offset,
		Cause:  cause,
	}
}

// ErrDecryption reports a wrong or missing password.
func ErrDecryption(why string) *Error {
	return &Error{
		Code: CodeDecryption,
		What: "unable to decrypt archive",
		Why:  why,
		Fix:  "Provide the password that was used when the archive was exported",
	}
}

// ErrDatabaseExport reports a row or table that could not be dumped.
func ErrDatabaseExport(table string, cause error) *Error {
	return &Error{
		Code:  CodeDatabaseExport,
		What:  fmt.Sprintf("unable to export table %s", table),
		Fix:   "Check the row contents and the database connection, then restart the export",
		Cause: cause,
	}
}

// ErrDatabaseImport reports a row or statement that could not be applied.
func ErrDatabaseImport(table string, cause error) *Error {
	return &Error{
		Code:  CodeDatabaseImport,
		What:  fmt.Sprintf("unable to import table %s", table),
		Fix:   "Restore the target from a pre-import backup, or mark the table upsert-safe if duplicates are expected",
		Cause: cause,
	}
}

// ErrIncompatibleTopology reports an archive that cannot be imported into
// the target's site layout.
func ErrIncompatibleTopology(why string) *Error {
	return &Error{
		Code: CodeIncompatibleTopology,
		What: "archive topology is incompatible with the target site",
		Why:  why,
		Fix:  "Export a single site from the network, or import into a multi-site target",
	}
}

// ErrDiskSpace reports insufficient free space on the target.
func ErrDiskSpace(required, available uint64) *Error {
	return &Error{
		Code: CodeDiskSpace,
		What: "not enough free disk space",
		Why:  fmt.Sprintf("%d bytes required, %d bytes available", required, available),
		Fix:  "Free up disk space on the target host, then start the import again",
	}
}

// ErrDiskFull reports the target filling up while a job was writing.
func ErrDiskFull(cause error) *Error {
	return &Error{
		Code:  CodeDiskSpace,
		What:  "disk full while writing",
		Fix:   "Free up disk space on the target host, then start the import again",
		Cause: cause,
	}
}

// ErrJobNotFound reports an unknown job ID.
func ErrJobNotFound(id string) *Error {
	return &Error{
		Code: CodeJobNotFound,
		What: fmt.Sprintf("job %s not found", id),
		Fix:  "Start a new export or import job",
	}
}

// ErrBackupNotFound reports a catalog lookup for a missing archive.
func ErrBackupNotFound(name string) *Error {
	return &Error{
		Code: CodeBackupNotFound,
		What: fmt.Sprintf("backup %s not found", name),
		Fix:  "List the available backups with 'sitemove backups list'",
	}
}

// ErrJobLocked reports a concurrent invocation against the same job.
func ErrJobLocked(id, owner string) *Error {
	return &Error{
		Code: CodeJobLocked,
		What: fmt.Sprintf("job %s is already being processed", id),
		Why:  fmt.Sprintf("lock held by %s", owner),
		Fix:  "Wait for the in-flight request to return before issuing the next step",
	}
}

// ErrInvalidRequest reports malformed input from a caller.
func ErrInvalidRequest(why string) *Error {
	return &Error{
		Code: CodeInvalidRequest,
		What: "invalid request",
		Why:  why,
	}
}

// ErrInvalidOptions reports job options no step could run with. Unlike
// ErrInvalidRequest it ends the job, since retrying cannot change them.
func ErrInvalidOptions(why string) *Error {
	return &Error{
		Code: CodeInvalidOptions,
		What: "invalid job options",
		Why:  why,
		Fix:  "Start a new job with corrected options",
	}
}

// ErrAborted reports a job cancelled by its caller.
func ErrAborted(id string) *Error {
	return &Error{
		Code: CodeAborted,
		What: fmt.Sprintf("job %s was aborted", id),
	}
}

// AsError attempts to convert an error to an *Error.
// Returns nil if the error is not an *Error.
func AsError(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return nil
}

// Wrap returns err as an *Error, decorating uncoded errors as INTERNAL.
func Wrap(err error, what string) *Error {
	if err == nil {
		return nil
	}
	if e := AsError(err); e != nil {
		return e
	}
	return &Error{
		Code:  CodeInternal,
		What:  what,
		Cause: err,
	}
}
