package model

import "testing"

func TestEndpointTypeDirections(t *testing.T) {
	tests := []struct {
		typ   EndpointType
		isSrc bool
		isDst bool
	}{
		{Source, true, false},
		{Destination, false, true},
		{Both, true, true},
		{EndpointType("junction"), false, false},
	}

	for _, tt := range tests {
		if got := tt.typ.IsSource(); got != tt.isSrc {
			t.Errorf("%s.IsSource() = %v; want %v", tt.typ, got, tt.isSrc)
		}
		if got := tt.typ.IsDestination(); got != tt.isDst {
			t.Errorf("%s.IsDestination() = %v; want %v", tt.typ, got, tt.isDst)
		}
	}
}

func TestConflictStrategyRoundTrip(t *testing.T) {
	for _, s := range []ConflictStrategy{NoStrategy, CancelDestination, UnallocateBoth} {
		parsed, err := ParseConflictStrategy(s.String())
		if err != nil {
			t.Fatalf("ParseConflictStrategy(%q) error: %v", s.String(), err)
		}
		if parsed != s {
			t.Errorf("ParseConflictStrategy(%q) = %v; want %v", s.String(), parsed, s)
		}
	}

	if _, err := ParseConflictStrategy("steal"); err == nil {
		t.Error("expected error for unknown strategy")
	}
	if got := ConflictStrategy(7).String(); got != "strategy(7)" {
		t.Errorf("String() = %q", got)
	}
}

func TestDefaultConnectionLabel(t *testing.T) {
	if got := DefaultConnectionLabel("cam1", "mon2"); got != "cam1 -> mon2" {
		t.Errorf("DefaultConnectionLabel = %q", got)
	}
}
