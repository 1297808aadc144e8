package domain

import (
	"testing"
	"time"
)

func TestDefaultProviderPreferences(t *testing.T) {
	prefs := DefaultProviderPreferences()

	if !prefs.IsAuto() {
		t.Fatalf("expected auto preference, got %q", prefs.PreferredProvider)
	}
	if !prefs.FallbackEnabled {
		t.Fatal("expected fallback enabled by default")
	}
	if prefs.MinSuccessRate != 90 || prefs.MaxResponseTimeMs != 5000 {
		t.Fatalf("unexpected thresholds: %+v", prefs)
	}
	if prefs.RetryAttempts != 2 || prefs.RetryDelay() != time.Second {
		t.Fatalf("unexpected retry settings: %+v", prefs)
	}
	if errs := prefs.Validate(); len(errs) != 0 {
		t.Fatalf("defaults must be valid, got %v", errs)
	}
}

func TestProviderPreferences_Validate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(p *ProviderPreferences)
	}{
		{name: "success rate above 100", mut: func(p *ProviderPreferences) { p.MinSuccessRate = 101 }},
		{name: "negative success rate", mut: func(p *ProviderPreferences) { p.MinSuccessRate = -1 }},
		{name: "zero response time", mut: func(p *ProviderPreferences) { p.MaxResponseTimeMs = 0 }},
		{name: "zero attempts", mut: func(p *ProviderPreferences) { p.RetryAttempts = 0 }},
		{name: "negative delay", mut: func(p *ProviderPreferences) { p.RetryDelayMs = -5 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prefs := DefaultProviderPreferences()
			tc.mut(&prefs)
			if len(prefs.Validate()) == 0 {
				t.Fatalf("expected validation errors for case %s", tc.name)
			}
		})
	}
}

func TestProviderPreferences_IsAuto(t *testing.T) {
	if !(ProviderPreferences{}).IsAuto() {
		t.Fatal("empty preferred provider must be treated as auto")
	}
	if (ProviderPreferences{PreferredProvider: "fivesim"}).IsAuto() {
		t.Fatal("explicit provider must not be auto")
	}
}

func TestStockSnapshotOf(t *testing.T) {
	var empty StockSnapshot
	if empty.Of("a") != 0 {
		t.Fatal("nil map must yield zero stock")
	}

	snap := StockSnapshot{ByProvider: map[ProviderID]int{"a": 7}, Total: 7}
	if snap.Of("a") != 7 || snap.Of("b") != 0 {
		t.Fatalf("unexpected stock lookups: %+v", snap)
	}
}

func TestHealthStatusValid(t *testing.T) {
	for _, s := range []HealthStatus{HealthStatusHealthy, HealthStatusDegraded, HealthStatusUnavailable} {
		if !s.Valid() {
			t.Fatalf("status %q must be valid", s)
		}
	}
	if HealthStatus("broken").Valid() {
		t.Fatal("unknown status must be invalid")
	}
}

func TestAcquisitionRequest_Validate(t *testing.T) {
	valid := AcquisitionRequest{UserID: "u-1", Country: "6", Service: "tg"}
	if errs := valid.Validate(); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}

	invalid := AcquisitionRequest{MaxPriceMinor: -1}
	if errs := invalid.Validate(); len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}
}

func TestRentalStatus(t *testing.T) {
	tests := []struct {
		status   RentalStatus
		valid    bool
		terminal bool
	}{
		{status: RentalStatusActive, valid: true, terminal: false},
		{status: RentalStatusCancelled, valid: true, terminal: true},
		{status: RentalStatusExpired, valid: true, terminal: true},
		{status: RentalStatusCompleted, valid: true, terminal: true},
		{status: RentalStatus("weird"), valid: false, terminal: false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if tt.status.Valid() != tt.valid {
				t.Errorf("Valid() = %v, want %v", tt.status.Valid(), tt.valid)
			}
			if tt.status.Terminal() != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", tt.status.Terminal(), tt.terminal)
			}
		})
	}
}

func TestRental_ValidateInvariants(t *testing.T) {
	rental := Rental{UserID: "u", Country: "6", Service: "tg", Provider: "a", AmountMinor: 100}
	if errs := rental.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}

	broken := Rental{AmountMinor: -1}
	if errs := broken.ValidateInvariants(); len(errs) != 5 {
		t.Fatalf("expected 5 errors, got %d: %v", len(errs), errs)
	}
}

func TestReservation_Validate(t *testing.T) {
	res := Reservation{ExternalID: "ext-1", Provider: "a", UserID: "u"}
	if errs := res.Validate(); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if errs := (&Reservation{}).Validate(); len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d", len(errs))
	}
}
