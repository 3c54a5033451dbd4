package errors

import (
	"fmt"
	"testing"
)

func TestTransportErrorCategory(t *testing.T) {
	cause := fmt.Errorf("read /dev/ttyUSB0: %w", ErrTimeout)
	err := Wrap(NewTransport("scope", "read", cause), "query")

	if !IsTransport(err) {
		t.Fatalf("IsTransport(%v) = false", err)
	}
	if !Is(err, ErrTimeout) {
		t.Errorf("cause not reachable through TransportError")
	}
	if !IsRetriable(err) {
		t.Errorf("transport errors should be retriable")
	}
	if IsSchemaMismatch(err) {
		t.Errorf("transport error classified as schema mismatch")
	}

	var te *TransportError
	if !As(err, &te) || te.Device != "scope" {
		t.Errorf("As(TransportError) = %v, %+v", te != nil, te)
	}
}

func TestSchemaMismatchError(t *testing.T) {
	err := Wrapf(&SchemaMismatchError{
		Device:   "DummyDevice",
		Channel:  "Value1",
		Role:     "Raw values",
		Expected: "vector(16)/float64",
		Actual:   "scalar()/float64",
	}, "append %s", "run.h5")

	if !IsSchemaMismatch(err) {
		t.Fatalf("IsSchemaMismatch = false for %v", err)
	}
	if !IsStoreError(err) {
		t.Errorf("schema mismatch should be a store error")
	}
	if IsRetriable(err) {
		t.Errorf("schema mismatch must not be retriable")
	}
}

func TestConfigurationError(t *testing.T) {
	err := &ConfigurationError{Device: "psu", Field: "scale", Reason: "length 1 != 2 channels"}
	if !IsConfiguration(err) {
		t.Fatalf("IsConfiguration = false")
	}
	if err.Error() != "psu: scale: length 1 != 2 channels" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestNotFoundCategory(t *testing.T) {
	for _, err := range []error{
		ErrNotFound,
		NewNotFound("device", "scope"),
		Wrap(ErrDriverNotFound, "build"),
		ErrDatasetNotFound,
	} {
		if !IsNotFound(err) {
			t.Errorf("IsNotFound(%v) = false", err)
		}
		if !IsRetriable(err) {
			t.Errorf("IsRetriable(%v) = false", err)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "x") != nil || Wrapf(nil, "x %d", 1) != nil {
		t.Errorf("wrapping nil must return nil")
	}
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	if v.Err() != nil {
		t.Fatalf("empty collector returned error")
	}

	v.AddField("interval", "must be positive")
	v.AddMissing("output")
	v.Add(nil)

	if len(v.Errors) != 2 {
		t.Fatalf("len = %d, want 2", len(v.Errors))
	}
	err := v.Err()
	if !IsValidation(err) {
		t.Errorf("IsValidation = false")
	}
	if !Is(err, ErrMissingField) {
		t.Errorf("second error not reachable via Is")
	}
}
