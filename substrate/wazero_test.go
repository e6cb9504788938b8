package substrate

import (
	"context"
	"testing"

	"github.com/wippyai/sandbox-runtime/dispatch"
	"github.com/wippyai/sandbox-runtime/errors"
)

func TestInstanceConfigValidate(t *testing.T) {
	if err := (InstanceConfig{}).Validate(); !errors.IsCategory(err, errors.CategoryInitialization) {
		t.Errorf("missing table = %v, want initialization error", err)
	}

	cfg := InstanceConfig{Imports: dispatch.NewTable()}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config = %v", err)
	}
}

func TestWazeroSubstrateName(t *testing.T) {
	s := NewWazeroSubstrate(WazeroConfig{})
	defer s.Close(context.Background())

	if s.Name() != "wazero" {
		t.Errorf("Name() = %q", s.Name())
	}
}

func TestWazeroCreateInstanceRequiresBinary(t *testing.T) {
	s := NewWazeroSubstrate(WazeroConfig{})
	defer s.Close(context.Background())

	_, err := s.CreateInstance(context.Background(), InstanceConfig{
		Imports: dispatch.NewTable(),
	})
	if !errors.IsCategory(err, errors.CategoryInitialization) {
		t.Errorf("missing binary = %v, want initialization error", err)
	}
}

func TestWazeroCreateInstanceRejectsGarbage(t *testing.T) {
	s := NewWazeroSubstrate(WazeroConfig{})
	defer s.Close(context.Background())

	_, err := s.CreateInstance(context.Background(), InstanceConfig{
		Binary:  []byte("not a wasm module"),
		Imports: dispatch.NewTable(),
	})
	if !errors.IsCategory(err, errors.CategoryInitialization) {
		t.Errorf("garbage binary = %v, want initialization error", err)
	}
}
