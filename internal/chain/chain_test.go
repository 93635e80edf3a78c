package chain

import (
	"errors"
	"testing"

	"github.com/spicetrace/spicetrace-backend/internal/proverr"
)

func TestKeyForDeterministic(t *testing.T) {
	a := KeyFor(OpRegisterProduct, "SAF-2025-001", []byte(`{"name":"Saffron"}`))
	b := KeyFor(OpRegisterProduct, "SAF-2025-001", []byte(`{"name":"Saffron"}`))
	if a != b {
		t.Fatalf("same inputs produced different keys: %s vs %s", a, b)
	}
	if a == KeyFor(OpAddTrace, "SAF-2025-001", []byte(`{"name":"Saffron"}`)) {
		t.Fatalf("different ops must not share a key")
	}
	if a == KeyFor(OpRegisterProduct, "SAF-2025-002", []byte(`{"name":"Saffron"}`)) {
		t.Fatalf("different products must not share a key")
	}
	if a == KeyFor(OpRegisterProduct, "SAF-2025-001", []byte(`{"name":"Turmeric"}`)) {
		t.Fatalf("different payloads must not share a key")
	}
}

func TestRejectionErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		reason string
		want   error
	}{
		{name: "stale", reason: ReasonStaleStatus, want: proverr.ErrStaleState},
		{name: "duplicate", reason: ReasonProductExists, want: proverr.ErrDuplicateProduct},
		{name: "missing", reason: ReasonProductNotFound, want: proverr.ErrNotFound},
		{name: "other", reason: "execution reverted", want: proverr.ErrChainRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := RejectionError(tc.reason)
			if !errors.Is(err, tc.want) {
				t.Fatalf("RejectionError(%q) = %v, want %v", tc.reason, err, tc.want)
			}
		})
	}
}

func TestStatusCodes(t *testing.T) {
	for i, name := range statusNames {
		code, ok := statusToCode(name)
		if !ok || code != uint8(i) {
			t.Fatalf("statusToCode(%q) = %d,%v", name, code, ok)
		}
		if statusFromCode(code) != name {
			t.Fatalf("statusFromCode(%d) = %q, want %q", code, statusFromCode(code), name)
		}
	}
	if _, ok := statusToCode("Mars"); ok {
		t.Fatalf("unknown status must not map")
	}
	if statusFromCode(99) != "" {
		t.Fatalf("unknown code must map to empty")
	}
}
