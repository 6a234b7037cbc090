package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store { return New() })
}

func TestFailWith(t *testing.T) {
	s := New()
	s.FailWith = errors.New("disk on fire")
	_, err := s.GetChannel(context.Background(), "c1")
	if !errors.Is(err, core.ErrStore) {
		t.Fatalf("got %v, want ErrStore", err)
	}
}
