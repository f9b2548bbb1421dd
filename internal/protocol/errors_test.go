package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrBadRequest,
		ErrUnauthenticated,
		ErrNotOwner,
		ErrInsufficientBalance,
		ErrConflict,
		ErrAlreadyOwned,
		ErrBatchRejected,
		ErrRateLimit,
		ErrNotFound,
		ErrTransport,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestClassOf(t *testing.T) {
	cases := map[string]Class{
		"":                     ClassNone,
		ErrBadRequest:          ClassValidation,
		ErrUnauthenticated:     ClassAuthorization,
		ErrNotOwner:            ClassAuthorization,
		ErrInsufficientBalance: ClassEconomic,
		ErrConflict:            ClassConflict,
		ErrAlreadyOwned:        ClassConflict,
		ErrTransport:           ClassTransport,
		"E_SOMETHING_NEW":      ClassTransport,
	}
	for code, want := range cases {
		if got := ClassOf(code); got != want {
			t.Fatalf("ClassOf(%q)=%q want %q", code, got, want)
		}
	}
}
