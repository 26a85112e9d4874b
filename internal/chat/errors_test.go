package chat_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/edgard/chatsync/internal/chat"
)

func TestErrorCodes(t *testing.T) {
	t.Parallel()

	cause := context.DeadlineExceeded
	tests := []struct {
		name        string
		err         error
		code        string
		recoverable bool
	}{
		{"network", chat.NewNetworkError("send", cause), chat.CodeNetwork, true},
		{"storage", chat.NewStorageError("insert", cause), chat.CodeStorage, true},
		{"validation", chat.NewValidationError("empty content"), chat.CodeValidation, false},
		{"conflict", chat.NewReconciliationConflict("c1"), chat.CodeConflict, false},
		{"dropped", chat.NewSubscriptionDropped("conv", cause), chat.CodeSubscription, true},
		{"wrapped", fmt.Errorf("outer: %w", chat.NewNetworkError("fetch", cause)), chat.CodeNetwork, true},
		{"plain", errors.New("plain"), chat.CodeUnknown, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := chat.Code(tc.err); got != tc.code {
				t.Errorf("Code() = %s, want %s", got, tc.code)
			}
			if got := chat.IsRecoverable(tc.err); got != tc.recoverable {
				t.Errorf("IsRecoverable() = %v, want %v", got, tc.recoverable)
			}
		})
	}

	var netErr *chat.NetworkError
	if !errors.As(fmt.Errorf("x: %w", chat.NewNetworkError("send", cause)), &netErr) {
		t.Error("errors.As should find *NetworkError")
	}
	if !errors.Is(chat.NewStorageError("insert", cause), context.DeadlineExceeded) {
		t.Error("StorageError should unwrap to its cause")
	}
}
