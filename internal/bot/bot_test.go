package bot

import (
	"encoding/xml"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/toddsdk/chessdbot/internal/bosh"
	"github.com/toddsdk/chessdbot/internal/engine"
	"github.com/toddsdk/chessdbot/internal/stanza"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// onlineSession drives a fresh bosh.Session all the way to PhaseOnline so
// handler tests can Enqueue and inspect the outbound queue, mirroring the
// handshake already exercised in package bosh's own tests.
func onlineSession(t *testing.T) *bosh.Session {
	t.Helper()
	s := bosh.New("srv.example", 5280, "bot1", "secret", discardLog())
	s.Start()
	if _, err := s.HandleResponse([]byte(`<body sid='sid1' xmlns='http://jabber.org/protocol/httpbind'/>`)); err != nil {
		t.Fatalf("sid handshake: %v", err)
	}
	if _, err := s.HandleResponse([]byte(`<body xmlns='http://jabber.org/protocol/httpbind'><iq type='result' id='auth_1' from='srv.example'/></body>`)); err != nil {
		t.Fatalf("auth_1: %v", err)
	}
	if _, err := s.HandleResponse([]byte(`<body xmlns='http://jabber.org/protocol/httpbind'><iq type='result' id='auth_2' from='srv.example'/></body>`)); err != nil {
		t.Fatalf("auth_2: %v", err)
	}
	if s.Phase() != bosh.PhaseOnline {
		t.Fatalf("phase = %v, want PhaseOnline", s.Phase())
	}
	return s
}

func newTestBot(t *testing.T) *Bot {
	t.Helper()
	cfg := Config{Server: "srv.example", Port: 5280, Username: "bot1", Password: "secret", EnginePath: "cat", Opponent: "bot2"}
	b := New(cfg, discardLog())
	b.sess = onlineSession(t)
	return b
}

// fakeEngine builds an engine.Adapter without spawning a process, using
// only its exported surface; running stays false so Stop() is a no-op
// that never touches the nil stdio handles.
func fakeEngine() *engine.Adapter {
	return &engine.Adapter{
		Moves: make(chan string, 4),
		Fatal: make(chan error, 1),
	}
}

func lastQueued(t *testing.T, b *Bot) string {
	t.Helper()
	q := b.sess.Queued()
	if len(q) == 0 {
		t.Fatal("expected something enqueued, queue is empty")
	}
	return string(q[len(q)-1])
}

func TestHandleMatchOfferAcceptsAndStoresMatch(t *testing.T) {
	b := newTestBot(t)
	offer := stanza.IQ{Type: "set", From: "chessd.srv.example", Query: &stanza.Query{
		XMLNS: stanza.NSMatchOffer,
		Inner: []byte(`<match id='42' category='blitz'><player jid='bot1@srv.example/ChessD' color='white' time='180' inc='0'/><player jid='bot2@srv.example/ChessD' color='black' time='180' inc='0'/></match>`),
	}}

	b.handleMatchOffer(offer)

	m, ok := b.matches[42]
	if !ok {
		t.Fatal("expected match 42 to be recorded")
	}
	if m.category != "blitz" {
		t.Fatalf("category = %q, want blitz", m.category)
	}
	if got := lastQueued(t, b); !strings.Contains(got, "match#accept") || !strings.Contains(got, "id='42'") {
		t.Fatalf("expected an accept for match 42, got %s", got)
	}
}

func TestHandleMatchOfferResultPromotesPending(t *testing.T) {
	b := newTestBot(t)
	b.pending = &match{
		category: "blitz",
		p1:       stanza.Player{JID: b.selfJID, Color: "white"},
		p2:       stanza.Player{JID: "bot2@srv.example/ChessD", Color: "black"},
	}
	result := stanza.IQ{Type: "result", Query: &stanza.Query{
		XMLNS: stanza.NSMatchOffer,
		Inner: []byte(`<match id='7'/>`),
	}}

	b.handleMatchOffer(result)

	if b.pending != nil {
		t.Fatal("expected pending offer to be cleared once promoted")
	}
	m, ok := b.matches[7]
	if !ok {
		t.Fatal("expected match 7 to be recorded from the promoted pending offer")
	}
	if m.p1.Color != "white" {
		t.Fatalf("p1 color = %q, want white", m.p1.Color)
	}
}

func TestHandleMatchAcceptSpawnsEngineAndJoinsGameAsBlack(t *testing.T) {
	b := newTestBot(t)
	b.matches[9] = &match{
		id:       9,
		category: "blitz",
		p1:       stanza.Player{JID: "bot2@srv.example/ChessD", Color: "white", Time: "180", Inc: "0"},
		p2:       stanza.Player{JID: b.selfJID, Color: "black", Time: "180", Inc: "0"},
	}
	accept := stanza.IQ{Type: "result", Query: &stanza.Query{
		XMLNS: stanza.NSMatchAccept,
		Inner: []byte(`<match id='9' room='room9@chessd.srv.example'/>`),
	}}

	b.handleMatchAccept(accept)
	t.Cleanup(func() {
		if g, ok := b.games["room9"]; ok {
			g.engine.Stop()
		}
	})

	if _, ok := b.matches[9]; ok {
		t.Fatal("expected match 9 to be removed once promoted to a game")
	}
	g, ok := b.games["room9"]
	if !ok {
		t.Fatal("expected game room9 to be recorded")
	}
	if g.isWhite {
		t.Fatal("expected isWhite=false for the black side of match 9")
	}
	if !g.waitFirstBoard {
		t.Fatal("expected waitFirstBoard=true until the first game#state arrives")
	}
	if got := lastQueued(t, b); !strings.Contains(got, "room9@chessd.srv.example/bot1") {
		t.Fatalf("expected a join-game presence for room9, got %s", got)
	}

	// The match/game tables are disjoint: a promoted match never remains
	// addressable by its old match id once it becomes a game.
	if _, ok := b.matches[9]; ok {
		t.Fatal("match/game table invariant violated: id 9 present in both tables")
	}
}

func TestHandleGameStateSendsSetupOnFirstBoard(t *testing.T) {
	b := newTestBot(t)
	eng := fakeEngine()
	b.games["room9"] = &game{
		room:           "room9",
		category:       "blitz",
		p1:             stanza.Player{JID: "bot2@srv.example/ChessD", Color: "white", Time: "180", Inc: "0"},
		p2:             stanza.Player{JID: b.selfJID, Color: "black", Time: "180", Inc: "0"},
		isWhite:        false,
		colorKnown:     true,
		waitFirstBoard: true,
		engine:         eng,
	}
	state := stanza.IQ{From: "room9@chessd.srv.example", Query: &stanza.Query{
		XMLNS: stanza.NSGameState,
		Inner: []byte(`<board state='` + stanza.DefaultBoard + `' turn='white' castle='KQkq' enpassant='-' halfmoves='0' fullmoves='1'/>`),
	}}

	b.handleGameState(state)

	g := b.games["room9"]
	if g.waitFirstBoard {
		t.Fatal("expected waitFirstBoard to be cleared after the first board")
	}
	// Default starting position: the commands the setup queues on the
	// engine are not inspected here; only the absence of an engine move is.
	select {
	case mv := <-eng.Moves:
		t.Fatalf("did not expect an engine move yet, got %q", mv)
	default:
	}
}

func TestHandleGameStateEmptyTurnIsSkippedNotPanic(t *testing.T) {
	b := newTestBot(t)
	eng := fakeEngine()
	b.games["room9"] = &game{
		room:           "room9",
		category:       "blitz",
		isWhite:        false,
		colorKnown:     true,
		waitFirstBoard: true,
		engine:         eng,
	}
	// A non-default board with no turn attribute at all: must not panic
	// indexing gs.Board.Turn[:1], and must leave waitFirstBoard set so a
	// later well-formed state is still acted on.
	state := stanza.IQ{From: "room9@chessd.srv.example", Query: &stanza.Query{
		XMLNS: stanza.NSGameState,
		Inner: []byte(`<board state='somefen' castle='KQkq' enpassant='-' halfmoves='0' fullmoves='1'/>`),
	}}

	b.handleGameState(state)

	g := b.games["room9"]
	if !g.waitFirstBoard {
		t.Fatal("expected waitFirstBoard to remain set after a malformed (empty-turn) board")
	}
}

func TestHandleGameMoveIgnoresUnknownRoom(t *testing.T) {
	b := newTestBot(t)
	move := stanza.IQ{Type: "set", From: "nosuchroom@chessd.srv.example", Query: &stanza.Query{
		XMLNS: stanza.NSGameMove,
		Inner: []byte(`<move long='e2e4'/><board turn='white' fullmoves='1'/>`),
	}}
	// Must not panic on a room with no tracked game.
	b.handleGameMove(move)
}

func TestHandleGameMoveSkipsNonSetType(t *testing.T) {
	b := newTestBot(t)
	eng := fakeEngine()
	b.games["room9"] = &game{room: "room9", isWhite: false, engine: eng}
	move := stanza.IQ{Type: "get", From: "room9@chessd.srv.example", Query: &stanza.Query{XMLNS: stanza.NSGameMove}}
	b.handleGameMove(move)
	if _, ok := b.games["room9"]; !ok {
		t.Fatal("game table should be untouched by a non-set game#move iq")
	}
}

func TestHandleGameDrawSchedulesVerification(t *testing.T) {
	b := newTestBot(t)
	eng := fakeEngine()
	b.games["room9"] = &game{room: "room9", engine: eng}

	draw := stanza.IQ{From: "room9@chessd.srv.example", Query: &stanza.Query{XMLNS: stanza.NSGameDraw}}
	b.handleGameDraw(draw)

	g := b.games["room9"]
	if g.drawCheckAt.IsZero() {
		t.Fatal("expected a pending draw-check deadline")
	}
	if d := time.Until(g.drawCheckAt); d <= 0 || d > drawVerifyDelay {
		t.Fatalf("drawCheckAt not within drawVerifyDelay window: %v", d)
	}
}

func TestCheckPendingDrawsStaysSilentWithoutEngineAccept(t *testing.T) {
	b := newTestBot(t)
	eng := fakeEngine() // acceptedDraw defaults to false
	b.games["room9"] = &game{room: "room9", engine: eng, drawCheckAt: time.Now().Add(-time.Millisecond)}

	before := len(b.sess.Queued())
	b.checkPendingDraws(time.Now())

	if g := b.games["room9"]; !g.drawCheckAt.IsZero() {
		t.Fatal("expected the deadline to be cleared once checked")
	}
	if after := len(b.sess.Queued()); after != before {
		t.Fatalf("expected no outbound accept when the engine never offered a draw, queue grew by %d", after-before)
	}
}

func TestHandleGameEndCleansUpGameAndLeavesRoom(t *testing.T) {
	b := newTestBot(t)
	eng := fakeEngine()
	b.games["room9"] = &game{room: "room9", engine: eng}

	end := stanza.IQ{From: "room9@chessd.srv.example", Query: &stanza.Query{
		XMLNS: stanza.NSGameEnd,
		Inner: []byte(`<end type='normal' result='checkmate'/><player jid='bot1@srv.example/ChessD' role='black' result='won'/><player jid='bot2@srv.example/ChessD' role='white' result='lost'/>`),
	}}

	b.handleGameEnd(end)

	if _, ok := b.games["room9"]; ok {
		t.Fatal("expected room9 to be removed from the game table")
	}
	if got := lastQueued(t, b); !strings.Contains(got, "type='unavailable'") {
		t.Fatalf("expected a leave-game presence, got %s", got)
	}
}

func decodeElement(t *testing.T, wire string) stanza.Element {
	t.Helper()
	var el stanza.Element
	if err := xml.Unmarshal([]byte(wire), &el); err != nil {
		t.Fatalf("decode element: %v", err)
	}
	return el
}

func TestHandleIQSwallowsGameMoveAndCancelErrors(t *testing.T) {
	b := newTestBot(t)
	before := b.sess.Phase()

	el := decodeElement(t, `<iq type='error'><query xmlns='`+stanza.NSGameMove+`'/></iq>`)
	b.handleIQ(el)

	if b.sess.Phase() != before {
		t.Fatalf("a game#move error must not disconnect the session, phase changed to %v", b.sess.Phase())
	}

	el = decodeElement(t, `<iq type='error'><query xmlns='`+stanza.NSGameCancel+`'/></iq>`)
	b.handleIQ(el)

	if b.sess.Phase() != before {
		t.Fatalf("a game#cancel error must not disconnect the session, phase changed to %v", b.sess.Phase())
	}
}

func TestHandleIQOtherErrorDisconnectsCleanly(t *testing.T) {
	b := newTestBot(t)

	el := decodeElement(t, `<iq type='error'><query xmlns='`+stanza.NSMatchOffer+`'/></iq>`)
	b.handleIQ(el)

	if b.sess.Phase() != bosh.PhaseRequestingSID {
		t.Fatalf("expected a clean disconnect+restart on a non-swallowed iq error, phase = %v", b.sess.Phase())
	}
}

func TestChallengeSkipsWhenBusyOrOpponentOffline(t *testing.T) {
	b := newTestBot(t)
	before := len(b.sess.Queued())

	// No opponent configured on this path.
	b.cfg.Opponent = ""
	b.challenge()
	if after := len(b.sess.Queued()); after != before {
		t.Fatal("expected no challenge without a configured opponent")
	}

	b.cfg.Opponent = "bot2"
	b.opponentOnline = false
	b.challenge()
	if after := len(b.sess.Queued()); after != before {
		t.Fatal("expected no challenge while the opponent is offline")
	}

	b.opponentOnline = true
	b.matches[1] = &match{id: 1}
	b.challenge()
	if after := len(b.sess.Queued()); after != before {
		t.Fatal("expected no challenge while a match is already pending")
	}
}

func TestChallengeOffersMatchWhenIdleAndOpponentOnline(t *testing.T) {
	b := newTestBot(t)
	b.opponentOnline = true

	b.challenge()

	if b.pending == nil {
		t.Fatal("expected a pending outbound offer")
	}
	if got := lastQueued(t, b); !strings.Contains(got, "match#offer") {
		t.Fatalf("expected an outbound match offer, got %s", got)
	}
}

func TestHandlePresenceSubscribeRoundTrip(t *testing.T) {
	b := newTestBot(t)
	el := decodeElement(t, `<presence type='subscribe' from='bot2@srv.example' to='bot1@srv.example'/>`)

	b.handlePresence(el)

	got := lastQueued(t, b)
	if !strings.Contains(got, "type='subscribed'") {
		t.Fatalf("expected a subscribed reply, got %s", got)
	}
	if !strings.Contains(got, "from='bot1@srv.example'") || !strings.Contains(got, "to='bot2@srv.example'") {
		t.Fatalf("expected the subscribed reply addressed back to the subscriber, got %s", got)
	}
}

func TestHandlePresenceTracksOpponentAvailability(t *testing.T) {
	b := newTestBot(t)
	room := "general@conference.srv.example/bot2"

	online := decodeElement(t, `<presence from='`+room+`'/>`)
	b.handlePresence(online)
	if !b.opponentOnline {
		t.Fatal("expected opponent to be marked online")
	}

	offline := decodeElement(t, `<presence type='unavailable' from='`+room+`'/>`)
	b.handlePresence(offline)
	if b.opponentOnline {
		t.Fatal("expected opponent to be marked offline")
	}
}
