// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package ledger

import "fmt"

// ErrorCode enumerates the closed set of rejection reasons.
type ErrorCode string

const (
	ErrMissingField        ErrorCode = "MissingField"
	ErrBadAmount           ErrorCode = "BadAmount"
	ErrBadSignature        ErrorCode = "BadSignature"
	ErrFromMismatch        ErrorCode = "FromMismatch"
	ErrBadNonce            ErrorCode = "BadNonce"
	ErrInsufficientBalance ErrorCode = "InsufficientBalance"
	ErrNotLeader           ErrorCode = "NotLeader"
	ErrBadEscrowAccount    ErrorCode = "BadEscrowAccount"
	ErrBadMint             ErrorCode = "BadMint"
	ErrDuplicateTx         ErrorCode = "DuplicateTx"
	ErrOutOfOrder          ErrorCode = "OutOfOrder"
)

// Rejection is a transaction or entry rejection. Rejections are terminal:
// the submitted material is invalid and retrying cannot help, except for
// OutOfOrder which resolves once the gap is filled.
type Rejection struct {
	Code   ErrorCode
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

func reject(code ErrorCode, detail string) error {
	return &Rejection{Code: code, Detail: detail}
}

func rejectf(code ErrorCode, format string, args ...interface{}) error {
	return &Rejection{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the rejection code, or "" if err is not a Rejection.
func CodeOf(err error) ErrorCode {
	if r, ok := err.(*Rejection); ok {
		return r.Code
	}
	return ""
}

// IsRejection reports whether err is a rejection with the given code.
func IsRejection(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
