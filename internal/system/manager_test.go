package system

import (
	"context"
	"errors"
	"testing"

	"github.com/raceops/provider-engine/internal/corutil"
)

type recordingService struct {
	name      string
	descr     corutil.Descriptor
	startErr  error
	events    *[]string
}

func (s recordingService) Name() string { return s.name }

func (s recordingService) Descriptor() corutil.Descriptor { return s.descr }

func (s recordingService) Start(context.Context) error {
	*s.events = append(*s.events, "start:"+s.name)
	return s.startErr
}

func (s recordingService) Stop(context.Context) error {
	*s.events = append(*s.events, "stop:"+s.name)
	return nil
}

func TestStartStopOrdering(t *testing.T) {
	var events []string
	m := NewManager()

	if err := m.Register(recordingService{name: "a", events: &events}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.Register(recordingService{name: "b", events: &events}); err != nil {
		t.Fatalf("register b: %v", err)
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("event count mismatch: %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: got %s want %s (%v)", i, events[i], want[i], events)
		}
	}
}

func TestStartFailureStopsAlreadyStarted(t *testing.T) {
	var events []string
	m := NewManager()

	if err := m.Register(recordingService{name: "a", events: &events}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.Register(recordingService{name: "b", events: &events, startErr: errors.New("boom")}); err != nil {
		t.Fatalf("register b: %v", err)
	}

	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("expected start error")
	}

	want := []string{"start:a", "start:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("event count mismatch: %v", events)
	}
}

func TestRegisterAfterStartRejected(t *testing.T) {
	var events []string
	m := NewManager()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Register(recordingService{name: "late", events: &events}); err == nil {
		t.Fatal("expected error registering after start")
	}
}

func TestDescriptorsSortedByLayerThenName(t *testing.T) {
	m := NewManager()
	_ = m.Register(recordingService{name: "z", events: &[]string{}, descr: corutil.Descriptor{Name: "z", Layer: corutil.LayerEngine}})
	_ = m.Register(recordingService{name: "a", events: &[]string{}, descr: corutil.Descriptor{Name: "a", Layer: corutil.LayerData}})
	_ = m.Register(recordingService{name: "m", events: &[]string{}, descr: corutil.Descriptor{Name: "m", Layer: corutil.LayerEngine}})

	descr := m.Descriptors()
	if len(descr) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(descr))
	}
	if descr[0].Name != "a" || descr[1].Name != "m" || descr[2].Name != "z" {
		t.Fatalf("unexpected order: %#v", descr)
	}
}
