package engine

import (
	"testing"
)

func newTestAdapter() *Adapter {
	return &Adapter{
		featureColors: true,
		running:       true,
		Moves:         make(chan string, 4),
		Fatal:         make(chan error, 1),
		lines:         make(chan string, 4),
		stopCh:        make(chan struct{}),
	}
}

func TestSetTimeBoundary(t *testing.T) {
	cases := []struct {
		secs, inc int
		want      string
	}{
		{120, 0, "level 0 2 0"},
		{185, 2, "level 0 3:5 2"},
	}
	for _, c := range cases {
		a := newTestAdapter()
		a.SetTime(c.secs, c.inc)
		if got := a.queue[len(a.queue)-1]; got != c.want {
			t.Errorf("SetTime(%d,%d) = %q, want %q", c.secs, c.inc, got, c.want)
		}
	}
}

func TestPlaySequenceWithColorsFeature(t *testing.T) {
	a := newTestAdapter()
	a.featureColors = true
	a.Play("white", true) // playing white, white to move
	want := []string{"force", "new", "random", "black", "white", "go"}
	assertQueueTail(t, a, want)

	a = newTestAdapter()
	a.featureColors = true
	a.Play("black", false) // playing black, black to move
	want = []string{"force", "new", "random", "white", "black", "go"}
	assertQueueTail(t, a, want)
}

func TestPlaySequenceWithoutColorsFeature(t *testing.T) {
	a := newTestAdapter()
	a.featureColors = false
	a.Play("black", true) // playing white, waiting on black's move
	want := []string{"force", "new", "random", "playother"}
	assertQueueTail(t, a, want)
}

func assertQueueTail(t *testing.T, a *Adapter, want []string) {
	t.Helper()
	if len(a.queue) != len(want) {
		t.Fatalf("queue = %v, want %v", a.queue, want)
	}
	for i, w := range want {
		if a.queue[i] != w {
			t.Fatalf("queue[%d] = %q, want %q (full queue %v)", i, a.queue[i], w, a.queue)
		}
	}
}

func TestHandleFeatureTogglesAndQueuesAcceptance(t *testing.T) {
	a := newTestAdapter()
	a.handleFeature(`usermove=1 colors=0 ping=1 setboard=1 done=1`)

	if !a.featureUsermove {
		t.Error("expected usermove feature enabled")
	}
	if a.featureColors {
		t.Error("expected colors feature disabled")
	}
	if !a.featurePing {
		t.Error("expected ping feature enabled")
	}
	if !a.doneAccepted {
		t.Error("expected doneAccepted true")
	}
	wantQueue := []string{"accepted usermove", "accepted colors", "accepted ping", "accepted setboard", "accepted done"}
	assertQueueTail(t, a, wantQueue)
}

func TestHandleFeatureSetboardZeroIsFatal(t *testing.T) {
	a := newTestAdapter()
	a.handleFeature(`setboard=0`)
	select {
	case err := <-a.Fatal:
		if err != ErrSetboardUnsupported {
			t.Fatalf("got %v, want ErrSetboardUnsupported", err)
		}
	default:
		t.Fatal("expected a fatal error to be signaled")
	}
}

func TestHandleLineExtractsMoves(t *testing.T) {
	a := newTestAdapter()
	a.handleLine("move e7e5")
	select {
	case m := <-a.Moves:
		if m != "e7e5" {
			t.Fatalf("got move %q, want e7e5", m)
		}
	default:
		t.Fatal("expected a move to be delivered")
	}

	a.handleLine("My move is: g1f3")
	select {
	case m := <-a.Moves:
		if m != "g1f3" {
			t.Fatalf("got move %q, want g1f3", m)
		}
	default:
		t.Fatal("expected a move to be delivered")
	}
}

func TestHandleLineOfferDraw(t *testing.T) {
	a := newTestAdapter()
	if a.AcceptedDraw() {
		t.Fatal("should not start accepted")
	}
	a.handleLine("offer draw")
	if !a.AcceptedDraw() {
		t.Fatal("expected accepted draw after 'offer draw'")
	}
}

func TestDrainQueueGatedOnDoneAccepted(t *testing.T) {
	a := newTestAdapter()
	a.Enqueue("should-not-be-written-yet")
	// Without a real stdin pipe, drainQueue should not panic even when
	// gated (it must return before touching a.in).
	a.drainQueue()
	if len(a.queue) != 1 {
		t.Fatalf("queue drained while doneAccepted is false: %v", a.queue)
	}
}
