package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		wantErr  string
		wantUser string
	}{
		{
			name:     "what only",
			err:      &Error{What: "something broke"},
			wantErr:  "something broke",
			wantUser: "Error: something broke",
		},
		{
			name:     "what and why",
			err:      &Error{What: "something broke", Why: "bad input"},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input",
		},
		{
			name:     "with fix and cause",
			err:      &Error{What: "something broke", Fix: "try again", Cause: errors.New("eof")},
			wantErr:  "something broke: eof",
			wantUser: "Error: something broke\n\nFix: try again",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantErr {
				t.Errorf("Error() = %q, want %q", got, tt.wantErr)
			}
			if got := tt.err.UserMessage(); got != tt.wantUser {
				t.Errorf("UserMessage() = %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{ErrUpload("timeout", nil), 503},
		{ErrArchiveCorrupt(12, nil), 400},
		{ErrDecryption("bad password"), 400},
		{ErrDatabaseImport("posts", nil), 500},
		{ErrIncompatibleTopology("2 sites"), 409},
		{ErrDiskSpace(10, 1), 507},
		{ErrJobNotFound("x"), 404},
		{ErrJobLocked("x", "me"), 409},
		{ErrBackupNotFound("site.smv"), 404},
		{ErrInvalidOptions("lzma"), 400},
		{&Error{Code: "SOMETHING_ELSE"}, 500},
	}
	for _, tt := range tests {
		t.Run(string(tt.err.Code), func(t *testing.T) {
			if got := tt.err.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRetryableAndFatal(t *testing.T) {
	if !ErrUpload("reset", nil).Retryable() {
		t.Error("upload errors should be retryable")
	}
	if ErrArchiveCorrupt(0, nil).Retryable() {
		t.Error("corrupt archive should not be retryable")
	}
	if ErrDecryption("wrong").Fatal() {
		t.Error("decryption failure must keep scratch state")
	}
	if !ErrIncompatibleTopology("x").Fatal() {
		t.Error("topology failure should be fatal")
	}
	if ErrInvalidRequest("bad body").Fatal() {
		t.Error("a bad request must not end the job")
	}
	if !ErrInvalidOptions("bad compression").Fatal() {
		t.Error("invalid job options should end the job")
	}
}

func TestWrapAndAs(t *testing.T) {
	raw := errors.New("disk I/O")
	wrapped := Wrap(raw, "step content failed")
	if wrapped.Code != CodeInternal {
		t.Errorf("Code = %s, want %s", wrapped.Code, CodeInternal)
	}
	if !errors.Is(wrapped, raw) {
		t.Error("wrapped error should unwrap to cause")
	}

	coded := ErrDecryption("wrong password")
	chain := fmt.Errorf("import: %w", coded)
	if got := Wrap(chain, "ignored"); got != coded {
		t.Error("Wrap should return the coded error found in the chain")
	}
	if !errors.Is(chain, &Error{Code: CodeDecryption}) {
		t.Error("errors.Is should match by code")
	}
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestMarshalJSONIncludesCause(t *testing.T) {
	e := ErrArchiveCorrupt(42, errors.New("bad magic"))
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["cause"] != "bad magic" {
		t.Errorf("cause = %v, want bad magic", got["cause"])
	}
	if got["offset"] != float64(42) {
		t.Errorf("offset = %v, want 42", got["offset"])
	}
	if got["code"] != string(CodeArchiveCorrupt) {
		t.Errorf("code = %v", got["code"])
	}
}
