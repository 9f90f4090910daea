package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "without cause",
			err:      New(KindValidation, "kind is required"),
			expected: "VALIDATION_ERROR: kind is required",
		},
		{
			name:     "with cause",
			err:      Wrap(KindNetwork, "copy failed", errors.New("connection reset")),
			expected: "NETWORK_ERROR: copy failed (caused by: connection reset)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewBackupError("store phase failed", cause)

	assert.True(t, errors.Is(err, cause))

	var appErr *Error
	require.True(t, errors.As(fmt.Errorf("outer: %w", err), &appErr))
	assert.Equal(t, KindBackup, appErr.Kind)
}

func TestError_Recoverable(t *testing.T) {
	tests := []struct {
		name        string
		err         *Error
		recoverable bool
	}{
		{"network is recoverable", NewNetworkError("conn refused", nil), true},
		{"timeout is recoverable", NewTimeoutError("deadline", nil), true},
		{"server is recoverable", NewServerError("upstream 503", nil), true},
		{"validation is not", NewValidationError("bad kind", nil), false},
		{"client is not", NewClientError("bad request", nil), false},
		{"integrity is not", NewIntegrityError("checksum mismatch", nil), false},
		{"backup default is not", NewBackupError("boom", nil), false},
		{"restore default is not", NewRestoreError("boom", nil), false},
		{
			"allowlisted backup code is recoverable",
			NewBackupError("storage flaked", nil).WithCode(CodeStorageUnavailable),
			true,
		},
		{
			"allowlisted restore code is recoverable",
			NewRestoreError("connection dropped", nil).WithCode(CodeConnectionLost),
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.recoverable, tt.err.Recoverable())
			assert.Equal(t, tt.recoverable, IsRecoverable(tt.err))
		})
	}
}

func TestError_Critical(t *testing.T) {
	assert.True(t, NewIntegrityError("size mismatch", nil).Critical())
	assert.False(t, NewNetworkError("reset", nil).Critical())
	assert.True(t, IsCritical(fmt.Errorf("wrapped: %w", NewIntegrityError("bad hash", nil))))
	assert.False(t, IsCritical(errors.New("plain")))
}

func TestError_WithContext(t *testing.T) {
	err := NewBackupError("export failed", nil).
		WithContext("job_id", "backup_123_abc").
		WithContext("phase", "export")

	assert.Equal(t, "backup_123_abc", err.Context["job_id"])
	assert.Equal(t, "export", err.Context["phase"])
}

type fakeNetError struct{ timeout bool }

func (e *fakeNetError) Error() string   { return "fake net error" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		fallback Kind
		expected Kind
	}{
		{"nil stays nil", nil, KindBackup, ""},
		{"already classified keeps kind", NewClientError("no", nil), KindBackup, KindClient},
		{"deadline exceeded becomes timeout", context.DeadlineExceeded, KindBackup, KindTimeout},
		{"net timeout becomes timeout", &fakeNetError{timeout: true}, KindBackup, KindTimeout},
		{"net error becomes network", &fakeNetError{timeout: false}, KindBackup, KindNetwork},
		{"unknown falls back", errors.New("mystery"), KindRestore, KindRestore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := Classify(tt.err, tt.fallback)
			if tt.expected == "" {
				assert.Nil(t, classified)
				return
			}
			require.NotNil(t, classified)
			assert.Equal(t, tt.expected, classified.Kind)
		})
	}
}

func TestClassify_NetErrorInterface(t *testing.T) {
	var _ net.Error = &fakeNetError{}
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected Kind
	}{
		{503, KindServer},
		{500, KindServer},
		{429, KindServer},
		{408, KindTimeout},
		{404, KindClient},
		{400, KindClient},
	}

	for _, tt := range tests {
		err := FromHTTPStatus(tt.status, "webhook rejected")
		require.NotNil(t, err)
		assert.Equal(t, tt.expected, err.Kind)
		assert.Equal(t, tt.status, err.Context["status"])
	}

	assert.Nil(t, FromHTTPStatus(204, "ok"))
}

func TestRecord(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := Record(NewIntegrityError("checksum mismatch", nil).WithCode(CodeChecksumMismatch), KindBackup, now)
	require.NotNil(t, rec)
	assert.Equal(t, KindIntegrity, rec.Kind)
	assert.Equal(t, CodeChecksumMismatch, rec.Code)
	assert.False(t, rec.Recoverable)
	assert.Equal(t, now, rec.OccurredAt)
	assert.Equal(t, "INTEGRITY_ERROR [CHECKSUM_MISMATCH]: checksum mismatch", rec.String())

	assert.Nil(t, Record(nil, KindBackup, now))

	fallback := Record(errors.New("unknown boom"), KindRestore, now)
	require.NotNil(t, fallback)
	assert.Equal(t, KindRestore, fallback.Kind)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(NewTimeoutError("slow", nil)))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
