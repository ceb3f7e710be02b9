package simulator

import (
	"testing"

	"github.com/pkg/errors"
)

func TestSwitchedNetworkSingleMessage(t *testing.T) {
	loop := NewEventLoop()

	switcher := NewGreedyDropSwitcher(2, 2.0)
	devices := NewDevices(2)
	port1 := devices[0].Port(loop)
	port2 := devices[1].Port(loop)
	network := NewSwitcherNetwork(switcher, 2, 3.0)

	loop.Go(func(h *Handle) {
		network.Send(h, &Message{Source: port1, Dest: port2, Payload: "hi device 1", Size: 124.0})
		if val := port1.Recv(h).Payload; val != "hi device 0" {
			t.Errorf("unexpected message: %s", val)
		}
	})
	loop.Go(func(h *Handle) {
		network.Send(h, &Message{Source: port2, Dest: port1, Payload: "hi device 0", Size: 124.0})
		if val := port2.Recv(h).Payload; val != "hi device 1" {
			t.Errorf("unexpected message: %s", val)
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	expectedTime := 124.0/2.0 + 3.0
	if loop.Time() != expectedTime {
		t.Errorf("time should be %f but got %f", expectedTime, loop.Time())
	}
}

func TestSwitchedNetworkOversubscribed(t *testing.T) {
	loop := NewEventLoop()

	dataRate := 4.0
	switcher := NewGreedyDropSwitcher(2, dataRate)
	devices := NewDevices(2)
	port1 := devices[0].Port(loop)
	port2 := devices[1].Port(loop)
	network := NewSwitcherNetwork(switcher, 2, 2.0)

	loop.Go(func(h *Handle) {
		network.Send(h, &Message{Source: port1, Dest: port2, Payload: "first", Size: 123.0})
		network.Send(h, &Message{Source: port1, Dest: port2, Payload: "second", Size: 124.0})
		if val := port1.Recv(h).Payload; val != "reply" {
			t.Errorf("unexpected message: %s", val)
		}
		expectedTime := 1.0 + 2.0 + 124.0/dataRate
		if h.Time() != expectedTime {
			t.Errorf("expected time %f but got %f", expectedTime, h.Time())
		}
	})

	loop.Go(func(h *Handle) {
		// Reschedule while the other messages are in flight.
		h.Sleep(1)

		network.Send(h, &Message{Source: port2, Dest: port1, Payload: "reply", Size: 124.0})
		if val := port2.Recv(h).Payload; val != "first" {
			t.Errorf("unexpected message: %s", val)
		}
		expectedTime := 2.0 + 2.0*123.0/dataRate
		if h.Time() != expectedTime {
			t.Errorf("expected time %f but got %f", expectedTime, h.Time())
		}
		if val := port2.Recv(h).Payload; val != "second" {
			t.Errorf("unexpected message: %s", val)
		}
		expectedTime += 1.0 / dataRate
		if h.Time() != expectedTime {
			t.Errorf("expected time %f but got %f", expectedTime, h.Time())
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	// No stray messages should be left behind.
	for _, port := range []*Port{port1, port2} {
		loop.Go(func(h *Handle) {
			h.Poll(port.Incoming)
		})
		if err := loop.Run(); !errors.Is(err, ErrDeadlock) {
			t.Errorf("expected deadlock error but got %v", err)
		}
	}
}

func TestOrderedNetworkFIFO(t *testing.T) {
	loop := NewEventLoop()
	devices := NewDevices(2)
	src := devices[0].Port(loop)
	dst := devices[1].Port(loop)
	network := NewOrderedNetwork(1e3, 0.5)

	const numMessages = 50
	loop.Go(func(h *Handle) {
		for i := 0; i < numMessages; i++ {
			network.Send(h, &Message{Source: src, Dest: dst, Payload: i, Size: float64(i%7 + 1)})
		}
	})
	loop.Go(func(h *Handle) {
		for i := 0; i < numMessages; i++ {
			if val := dst.Recv(h).Payload; val != i {
				t.Fatalf("message %d arrived out of order (got %v)", i, val)
			}
		}
	})
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
}

func TestOrderedNetworkSetDown(t *testing.T) {
	loop := NewEventLoop()
	devices := NewDevices(2)
	src := devices[0].Port(loop)
	dst := devices[1].Port(loop)
	network := NewOrderedNetwork(1.0, 0)

	var _ FaultyNetwork = network

	loop.Go(func(h *Handle) {
		network.Send(h, &Message{Source: src, Dest: dst, Payload: "lost", Size: 10})
		h.Sleep(1)
		network.SetDown(h, devices[1], true)
		if !network.IsDown(devices[1]) {
			t.Error("device should be down")
		}
		network.Send(h, &Message{Source: src, Dest: dst, Payload: "dropped", Size: 10})
	})
	loop.Go(func(h *Handle) {
		dst.Recv(h)
	})
	if err := loop.Run(); !errors.Is(err, ErrDeadlock) {
		t.Errorf("expected deadlock error but got %v", err)
	}
}

func TestRandomNetworkLatencyBound(t *testing.T) {
	loop := NewEventLoop()
	devices := NewDevices(2)
	src := devices[0].Port(loop)
	dst := devices[1].Port(loop)
	network := RandomNetwork{MaxLatency: 0.25}

	loop.Go(func(h *Handle) {
		for i := 0; i < 20; i++ {
			network.Send(h, &Message{Source: src, Dest: dst, Payload: i})
		}
	})
	loop.Go(func(h *Handle) {
		seen := map[interface{}]bool{}
		for i := 0; i < 20; i++ {
			seen[dst.Recv(h).Payload] = true
		}
		if len(seen) != 20 {
			t.Errorf("expected 20 distinct messages but got %d", len(seen))
		}
	})
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if loop.Time() >= 0.25 {
		t.Errorf("delivery took %f but latency is bounded by 0.25", loop.Time())
	}
}
