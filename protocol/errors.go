package protocol

import "fmt"

// Error codes in the numeric space established by Subversion. Clients key
// behaviour off these values, so they must not be renumbered.
const (
	CodeBadURL = 125002

	CodeIoPipeReadError = 135005
	CodeIoWriteError    = 135006

	CodeStreamMalformedData = 140001
	CodeStreamUnexpectedEOF = 140002

	CodeEntryNotFound = 150000

	CodeWcNotUpToDate = 155011

	CodeFsNotFound          = 160013
	CodeFsConflict          = 160024
	CodeFsOutOfDate         = 160028
	CodeFsNoUser            = 160034
	CodeFsPathAlreadyLocked = 160035
	CodeFsPathNotLocked     = 160036
	CodeFsBadLockToken      = 160037
	CodeFsNoLockToken       = 160038
	CodeFsLockOwnerMismatch = 160039
	CodeFsNoSuchLock        = 160040

	CodeReposLocked      = 165000
	CodeReposHookFailure = 165001

	CodeRaIllegalURL    = 170000
	CodeRaNotAuthorized = 170001

	CodeChecksumMismatch = 200014
	CodeCancelled        = 200015
	CodeUnknown          = 200021

	CodeRaSvnCmdErr        = 210000
	CodeRaSvnUnknownCmd    = 210001
	CodeRaSvnMalformedData = 210004
	CodeRaSvnReposNotFound = 210005
	CodeRaSvnBadVersion    = 210006

	CodeAuthnCredsUnavailable = 215001
)

// warningCodes are reported to the client like any other failure but are an
// expected part of normal operation and log at info level only.
var warningCodes = map[int]struct{}{
	CodeCancelled:        {},
	CodeEntryNotFound:    {},
	CodeFsNotFound:       {},
	CodeRaNotAuthorized:  {},
	CodeReposHookFailure: {},
	CodeWcNotUpToDate:    {},
	CodeIoWriteError:     {},
	CodeIoPipeReadError:  {},
}

// Error is a protocol-visible failure. It carries the numeric code reported
// to the client and optionally the origin recorded by the reporting site.
type Error struct {
	Code    int
	Message string
	File    string
	Line    int
}

// NewError creates an Error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("svn error %d: %s", e.Code, e.Message)
}

// IsWarning reports whether the error's code belongs to the warning set.
func (e *Error) IsWarning() bool {
	_, ok := warningCodes[e.Code]
	return ok
}

// WriteFailure emits the standard failure response carrying the errors.
// Each record is ( code:number message:string file:string line:number ).
func WriteFailure(w *Writer, errs ...*Error) error {
	w.ListBegin().Word("failure").ListBegin()
	for _, e := range errs {
		w.ListBegin().
			Number(e.Code).
			String(e.Message).
			String(e.File).
			Number(e.Line).
			ListEnd()
	}
	w.ListEnd().ListEnd()
	return w.Flush()
}
