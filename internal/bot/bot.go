// Package bot implements the per-bot match/game controller (spec.md
// §4.D): the match and game tables, the iq-namespace dispatch table, the
// challenge loop, and the single event loop that drives a bot's BOSH
// session and engine adapters to completion.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/toddsdk/chessdbot/internal/bosh"
	"github.com/toddsdk/chessdbot/internal/bosherr"
	"github.com/toddsdk/chessdbot/internal/engine"
	"github.com/toddsdk/chessdbot/internal/jidutil"
	"github.com/toddsdk/chessdbot/internal/stanza"
	"github.com/toddsdk/chessdbot/internal/transport"
)

const autoReplyText = "(auto-resposta) Oi, eu sou um computador que joga Xadrez! Não sei conversar!"

const (
	challengeTimeSecs = 180
	challengeIncSecs  = 0
	challengeCategory = "blitz"
)

// drawVerifyDelay is how long the controller waits after telling the
// engine "draw" before checking whether it emitted "offer draw".
const drawVerifyDelay = 2 * time.Second

// Config is one configured bot: the shared server/port plus this bot's
// own credentials and opponent.
type Config struct {
	Server     string
	Port       int
	Username   string
	Password   string
	EnginePath string
	Opponent   string
}

// match is a pending offer — either inbound (awaiting our accept, which
// happens synchronously) or outbound (awaiting the server's assigned id).
type match struct {
	id       int
	category string
	p1, p2   stanza.Player
}

// game is an active, joined game room.
type game struct {
	room           string
	category       string
	p1, p2         stanza.Player
	isWhite        bool
	colorKnown     bool
	waitFirstBoard bool
	engine         *engine.Adapter
	drawCheckAt    time.Time // zero if no check pending
}

type engineEvent struct {
	room string
	move string
}

type engineFatal struct {
	room string
	err  error
}

// Bot drives one configured bot's session, match/game tables, and engine
// lifecycle from a single goroutine (spec.md §5: "a bot never holds a
// lock across I/O").
type Bot struct {
	cfg Config
	log *slog.Logger
	sess *bosh.Session

	selfJID string

	matches map[int]*match
	games   map[string]*game
	pending *match // outstanding outbound challenge, nil if none

	opponentOnline bool

	moves  chan engineEvent
	fatals chan engineFatal
	stopCh chan struct{}
	stopO  sync.Once
}

// New builds a Bot. log may be nil, in which case slog.Default() is used.
// cfg.Username and cfg.Server are checked as JID parts immediately
// (spec.md §6's configuration document carries no such guarantee on its
// own); a malformed pair is logged as a warning and the self JID falls
// back to plain user@server/ChessD concatenation. A malformed opponent
// name is likewise only logged.
func New(cfg Config, log *slog.Logger) *Bot {
	if log == nil {
		log = slog.Default()
	}
	selfJID := cfg.Username + "@" + cfg.Server + "/" + stanza.Resource
	if j, err := jidutil.Self(cfg.Username, cfg.Server); err == nil {
		selfJID = j.String()
	} else {
		log.Warn("invalid username/server JID parts, using raw concatenation", "user", cfg.Username, "server", cfg.Server, "err", err)
	}
	if cfg.Opponent != "" {
		if err := jidutil.ValidateUser(cfg.Opponent, cfg.Server); err != nil {
			log.Warn("opponent name is not a usable JID localpart", "opponent", cfg.Opponent, "err", err)
		}
	}
	return &Bot{
		cfg:     cfg,
		log:     log,
		selfJID: selfJID,
		matches: make(map[int]*match),
		games:   make(map[string]*game),
		moves:   make(chan engineEvent, 16),
		fatals:  make(chan engineFatal, 4),
		stopCh:  make(chan struct{}),
	}
}

// Stop signals Run to disconnect and return. Idempotent.
func (b *Bot) Stop() {
	b.stopO.Do(func() { close(b.stopCh) })
}

// Run drives the bot until ctx is canceled, Stop is called, or a fatal
// error occurs. Per spec.md §7, "no error condition terminates the whole
// process except config-loading failures and setboard=0" — a non-nil
// return here is either the setboard=0 case or, before anything is sent,
// a configured server name that does not form a valid chessd host JID;
// the caller's errgroup.Group is what turns it into process-wide
// cancellation.
func (b *Bot) Run(ctx context.Context) error {
	if _, err := jidutil.ChessdHost(b.cfg.Server); err != nil {
		return fmt.Errorf("bot %s: server %q does not form a valid chessd host JID: %w", b.cfg.Username, b.cfg.Server, err)
	}

	b.sess = bosh.New(b.cfg.Server, b.cfg.Port, b.cfg.Username, b.cfg.Password, b.log)
	b.sess.Start()

	for {
		now := time.Now()
		if err := b.sess.Pump(); err != nil {
			b.handleSessionErr(err)
		}

		wait := b.nextWait(now)
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil
		case <-b.stopCh:
			b.shutdown()
			return nil
		case resp, ok := <-b.sess.Pool().Responses:
			if !ok {
				continue
			}
			b.handleTransportResponse(resp)
		case ev := <-b.moves:
			b.handleEngineMove(ev)
		case f := <-b.fatals:
			b.log.Error("engine fatal", "room", f.room, "err", f.err)
			if errors.Is(f.err, engine.ErrSetboardUnsupported) {
				b.shutdown()
				return fmt.Errorf("bot %s: %w", b.cfg.Username, f.err)
			}
		case <-time.After(wait):
			b.tick()
		}
	}
}

func (b *Bot) shutdown() {
	for room, g := range b.games {
		g.engine.Stop()
		b.sess.Enqueue(stanza.LeaveGame(room, b.cfg.Server, b.cfg.Username))
	}
	b.sess.Disconnect(true)
}

// nextWait bounds how long Run may block before it must re-check the SID
// backoff/inactivity timers or a pending draw-verify (spec.md §5's "short
// timer tasks... post into their owner's state under its lock" — here
// realized as polling from the single owning loop instead of a second
// goroutine touching the game table).
func (b *Bot) nextWait(now time.Time) time.Duration {
	wait := b.sess.NextWake(now)
	for _, g := range b.games {
		if g.drawCheckAt.IsZero() {
			continue
		}
		if d := g.drawCheckAt.Sub(now); d < wait {
			if d < 0 {
				d = 0
			}
			wait = d
		}
	}
	return wait
}

// tick runs the per-iteration housekeeping: SID retry, keep-alive, the
// inactivity check, pending draw verifications, and the challenge loop —
// mirroring the body of the original's run() loop once per wake-up.
func (b *Bot) tick() {
	now := time.Now()
	b.sess.MaybeRetrySID(now)
	b.sess.KeepAlive()
	if b.sess.CheckInactivity(now) {
		b.log.Info("closing connection due to inactivity", "user", b.cfg.Username)
		b.sess.Disconnect(false)
		b.sess.Start()
		return
	}
	b.checkPendingDraws(now)
	b.challenge()
}

// checkPendingDraws resolves any draw verification whose 2s deadline has
// passed (spec.md §4.D): if the engine emitted "offer draw" since, accept;
// otherwise stay silent per the source's "absence of accept is the
// reject" behavior (spec.md §9 Open Question).
func (b *Bot) checkPendingDraws(now time.Time) {
	for room, g := range b.games {
		if g.drawCheckAt.IsZero() || now.Before(g.drawCheckAt) {
			continue
		}
		g.drawCheckAt = time.Time{}
		if g.engine.AcceptedDraw() {
			b.sess.Enqueue(stanza.AcceptEndgame(b.selfJID, room, b.cfg.Server, "draw", "draw"))
		}
	}
}

// challenge issues an outbound match offer when idle and the opponent is
// online (spec.md §4.D "Challenge loop").
func (b *Bot) challenge() {
	if b.cfg.Opponent == "" || len(b.matches) != 0 || len(b.games) != 0 || b.pending != nil {
		return
	}
	if b.sess.Phase() != bosh.PhaseOnline || !b.opponentOnline {
		return
	}

	var p1JID, p2JID string
	if rand.Intn(2) == 1 {
		p1JID = b.selfJID
		p2JID = b.cfg.Opponent + "@" + b.cfg.Server + "/" + stanza.Resource
	} else {
		p1JID = b.cfg.Opponent + "@" + b.cfg.Server + "/" + stanza.Resource
		p2JID = b.selfJID
	}
	b.sess.Enqueue(stanza.OfferMatch(b.cfg.Server, p1JID, p2JID, challengeTimeSecs, challengeIncSecs, challengeCategory))
	b.pending = &match{
		category: challengeCategory,
		p1:       stanza.Player{JID: p1JID, Time: itoa(challengeTimeSecs), Inc: itoa(challengeIncSecs), Color: "white"},
		p2:       stanza.Player{JID: p2JID, Time: itoa(challengeTimeSecs), Inc: itoa(challengeIncSecs), Color: "black"},
	}
	b.log.Info("offering match", "user", b.cfg.Username, "p1", p1JID, "p2", p2JID)
}

func itoa(n int) string { return strconv.Itoa(n) }

func (b *Bot) handleSessionErr(err error) {
	var t *bosherr.Transport
	if errors.As(err, &t) {
		b.log.Warn("transport error", "user", b.cfg.Username, "err", t.Err)
		return
	}
	b.log.Warn("pump error", "user", b.cfg.Username, "err", err)
}

func (b *Bot) handleTransportResponse(resp transport.Response) {
	if resp.Err != nil {
		b.handleSessionErr(&bosherr.Transport{Err: resp.Err})
		return
	}
	elems, err := b.sess.HandleResponse(resp.Payload)
	if err != nil {
		b.dispose(err)
		return
	}
	for _, el := range elems {
		b.dispatch(el)
	}
}

// dispose applies spec.md §7's disposition table to a bosherr kind.
func (b *Bot) dispose(err error) {
	var s *bosherr.Session
	var p *bosherr.Protocol
	switch {
	case errors.As(err, &s):
		b.log.Warn("session error, reconnecting", "user", b.cfg.Username, "err", s.Err)
		b.sess.Disconnect(false)
		b.sess.Start()
	case errors.As(err, &p):
		b.log.Error("protocol error, disconnecting", "user", b.cfg.Username, "err", p.Err)
		b.sess.Disconnect(false)
		b.sess.Start()
	default:
		b.log.Error("unexpected session error", "user", b.cfg.Username, "err", err)
	}
}

func (b *Bot) dispatch(el stanza.Element) {
	switch el.XMLName.Local {
	case "message":
		b.handleMessage(el)
	case "presence":
		b.handlePresence(el)
	case "iq":
		b.handleIQ(el)
	default:
		b.log.Debug("unrecognized top-level stanza", "tag", el.XMLName.Local)
	}
}

func (b *Bot) handleMessage(el stanza.Element) {
	var m stanza.Message
	if err := el.Decode(&m); err != nil {
		b.log.Debug("malformed message, skipping", "err", err)
		return
	}
	switch m.Type {
	case "chat":
		b.log.Info("message received", "user", b.cfg.Username, "from", m.From, "body", m.Body)
		b.sess.Enqueue(stanza.ChatReply(b.selfJID, m.From, autoReplyText))
	case "groupchat":
		room, nick := splitRoomOccupant(m.From)
		b.log.Debug("groupchat message", "room", room, "from", nick)
	}
}

func splitRoomOccupant(from string) (room, nick string) {
	idx := strings.IndexByte(from, '/')
	if idx < 0 {
		return from, ""
	}
	return from[:idx], from[idx+1:]
}

func (b *Bot) handlePresence(el stanza.Element) {
	var p stanza.Presence
	if err := el.Decode(&p); err != nil {
		b.log.Debug("malformed presence, skipping", "err", err)
		return
	}
	if p.Type == "subscribe" {
		b.sess.Enqueue(stanza.Subscribed(p.To, p.From))
		b.log.Info("authorized contact", "user", b.cfg.Username, "from", p.From)
	}
	if b.cfg.Opponent == "" {
		return
	}
	room, nick := splitRoomOccupant(p.From)
	wantRoom := "general@conference." + b.cfg.Server
	if bare, err := jidutil.ConferenceBare(b.cfg.Server); err == nil {
		wantRoom = bare.String()
	}
	if room != wantRoom || nick != b.cfg.Opponent {
		return
	}
	b.opponentOnline = p.Type != "unavailable"
	if b.opponentOnline {
		b.log.Info("opponent is online", "user", b.cfg.Username, "opponent", b.cfg.Opponent)
	} else {
		b.log.Info("opponent is offline", "user", b.cfg.Username, "opponent", b.cfg.Opponent)
	}
}

func (b *Bot) handleIQ(el stanza.Element) {
	var iq stanza.IQ
	if err := el.Decode(&iq); err != nil {
		b.log.Debug("malformed iq, skipping", "err", err)
		return
	}
	if iq.Query == nil {
		return
	}
	ns := iq.Query.XMLNS

	if iq.Type == "error" {
		if ns == stanza.NSGameMove || ns == stanza.NSGameCancel {
			return
		}
		b.log.Error("iq error, disconnecting", "user", b.cfg.Username, "xmlns", ns, "from", iq.From)
		b.sess.Disconnect(true)
		b.sess.Start()
		return
	}

	switch ns {
	case stanza.NSMatchOffer:
		b.handleMatchOffer(iq)
	case stanza.NSMatchAccept:
		b.handleMatchAccept(iq)
	case stanza.NSMatchDecline:
		b.handleMatchDecline(iq)
	case stanza.NSGameState:
		b.handleGameState(iq)
	case stanza.NSGameMove:
		b.handleGameMove(iq)
	case stanza.NSGameResign:
		room, _ := splitRoomOccupant(iq.From)
		b.log.Info("opponent has resigned", "user", b.cfg.Username, "room", room)
	case stanza.NSGameDraw:
		b.handleGameDraw(iq)
	case stanza.NSGameCancel, stanza.NSGameAdjourn:
		b.handleEndgameRequest(iq, ns)
	case stanza.NSGameEnd:
		b.handleGameEnd(iq)
	case stanza.NSRoster, stanza.NSDisco:
		// ignored
	default:
		b.log.Debug("unknown xmlns", "user", b.cfg.Username, "xmlns", ns, "type", iq.Type)
	}
}

func (b *Bot) handleMatchOffer(iq stanza.IQ) {
	var mo stanza.MatchOffer
	if err := iq.Query.Decode(&mo); err != nil {
		b.log.Debug("malformed match offer, skipping", "err", err)
		return
	}
	switch iq.Type {
	case "set":
		id, err := strconv.Atoi(mo.Match.ID)
		if err != nil || len(mo.Match.Players) < 2 {
			b.log.Debug("malformed match offer, skipping", "err", err)
			return
		}
		b.matches[id] = &match{id: id, category: mo.Match.Category, p1: mo.Match.Players[0], p2: mo.Match.Players[1]}
		b.sess.Enqueue(stanza.AcceptMatch(b.cfg.Server, id))
		b.log.Info("accepting match", "user", b.cfg.Username, "match", id)
	case "result":
		id, err := strconv.Atoi(mo.Match.ID)
		if err != nil || b.pending == nil {
			return
		}
		b.pending.id = id
		b.matches[id] = b.pending
		b.pending = nil
	}
}

func (b *Bot) handleMatchAccept(iq stanza.IQ) {
	var ma stanza.MatchAccept
	if err := iq.Query.Decode(&ma); err != nil {
		b.log.Debug("malformed match accept, skipping", "err", err)
		return
	}
	id, err := strconv.Atoi(ma.Match.ID)
	if err != nil {
		return
	}
	m, ok := b.matches[id]
	if !ok {
		return
	}
	delete(b.matches, id)

	room, _, _ := strings.Cut(ma.Match.Room, "@")
	var color, oppColor, oppJID string
	if m.p1.JID == b.selfJID {
		color, oppColor, oppJID = m.p1.Color, m.p2.Color, m.p2.JID
	} else {
		color, oppColor, oppJID = m.p2.Color, m.p1.Color, m.p1.JID
	}

	eng, err := engine.Spawn(b.cfg.EnginePath)
	if err != nil {
		select {
		case b.fatals <- engineFatal{room: room, err: fmt.Errorf("engine spawn: %w", err)}:
		default:
		}
		return
	}
	b.forwardEngine(room, eng)

	g := &game{
		room:           room,
		category:       m.category,
		p1:             m.p1,
		p2:             m.p2,
		isWhite:        color == "white",
		colorKnown:     true,
		waitFirstBoard: true,
		engine:         eng,
	}
	if _, err := jidutil.GameRoom(room, b.cfg.Server, b.cfg.Username); err != nil {
		b.log.Warn("server offered a malformed game room id", "room", room, "err", err)
	}
	b.games[room] = g
	b.sess.Enqueue(stanza.JoinGame(room, b.cfg.Server, b.cfg.Username))
	oppShort, _, _ := strings.Cut(oppJID, "@")
	b.log.Info("starting game", "user", b.cfg.Username, "room", room, "color", color, "opponent", oppShort, "opponent_color", oppColor)
}

func (b *Bot) handleMatchDecline(iq stanza.IQ) {
	var ma stanza.MatchAccept
	if err := iq.Query.Decode(&ma); err != nil {
		return
	}
	id, err := strconv.Atoi(ma.Match.ID)
	if err != nil {
		return
	}
	delete(b.matches, id)
	b.log.Info("match declined", "user", b.cfg.Username, "match", id)
}

func (b *Bot) handleGameState(iq stanza.IQ) {
	var gs stanza.GameState
	if err := iq.Query.Decode(&gs); err != nil {
		b.log.Debug("malformed game state, skipping", "err", err)
		return
	}
	room, _, _ := strings.Cut(iq.From, "@")
	g, ok := b.games[room]
	if !ok {
		return
	}

	if !g.colorKnown && len(gs.Players) >= 2 {
		p1, p2 := gs.Players[0], gs.Players[1]
		if g.p1.JID == p1.JID {
			g.p1.Color, g.p2.Color = p1.Color, p2.Color
		} else {
			g.p1.Color, g.p2.Color = p2.Color, p1.Color
		}
		if g.p1.JID == b.selfJID {
			g.isWhite = g.p1.Color == "white"
		} else {
			g.isWhite = g.p2.Color == "white"
		}
		g.colorKnown = true
	}

	if !g.waitFirstBoard {
		return
	}
	if len(gs.Board.Turn) == 0 {
		b.log.Error("malformed game state: empty turn, skipping", "user", b.cfg.Username, "room", room)
		return
	}
	g.waitFirstBoard = false

	if g.category != "untimed" {
		t, inc := b.ownTime(g)
		secs, _ := strconv.Atoi(t)
		incSecs, _ := strconv.Atoi(inc)
		g.engine.SetTime(secs, incSecs)
	}
	if gs.Board.State != stanza.DefaultBoard {
		g.engine.SetBoard(gs.Board.State, gs.Board.Turn[:1], gs.Board.Castle, gs.Board.Enpassant, gs.Board.Halfmoves, gs.Board.Fullmoves)
	}
	g.engine.Play(gs.Board.Turn, g.isWhite)
	b.log.Info("received first board, game started", "user", b.cfg.Username, "room", room)
}

func (b *Bot) ownTime(g *game) (secs, inc string) {
	if g.p1.JID == b.selfJID {
		return g.p1.Time, g.p1.Inc
	}
	return g.p2.Time, g.p2.Inc
}

func (b *Bot) handleGameMove(iq stanza.IQ) {
	if iq.Type != "set" {
		return
	}
	var gm stanza.GameMove
	if err := iq.Query.Decode(&gm); err != nil {
		b.log.Debug("malformed game move, skipping", "err", err)
		return
	}
	room, _, _ := strings.Cut(iq.From, "@")
	g, ok := b.games[room]
	if !ok {
		return
	}
	isOurTurn := (gm.Board.Turn == "white" && g.isWhite) || (gm.Board.Turn == "black" && !g.isWhite)
	if !isOurTurn {
		return
	}
	g.engine.Usermove(gm.Move.Long)
	b.log.Info("received move", "user", b.cfg.Username, "room", room, "move", gm.Move.Long, "fullmoves", gm.Board.Fullmoves)
}

func (b *Bot) handleGameDraw(iq stanza.IQ) {
	room, _, _ := strings.Cut(iq.From, "@")
	g, ok := b.games[room]
	if !ok {
		return
	}
	g.engine.Draw()
	g.drawCheckAt = time.Now().Add(drawVerifyDelay)
}

func (b *Bot) handleEndgameRequest(iq stanza.IQ, ns string) {
	room, _, _ := strings.Cut(iq.From, "@")
	action := "cancel"
	if ns == stanza.NSGameAdjourn {
		action = "adjourn"
	}
	b.sess.Enqueue(stanza.AcceptEndgame(b.selfJID, room, b.cfg.Server, action, action))
	b.log.Info("accepted request", "user", b.cfg.Username, "room", room, "action", action)
}

func (b *Bot) handleGameEnd(iq stanza.IQ) {
	var ge stanza.GameEnd
	if err := iq.Query.Decode(&ge); err != nil {
		b.log.Debug("malformed game end, skipping", "err", err)
		return
	}
	room, _, _ := strings.Cut(iq.From, "@")
	g, ok := b.games[room]
	if !ok {
		return
	}

	switch ge.End.Type {
	case "normal":
		if len(ge.Players) >= 2 {
			results := map[string]string{"won": "1-0", "lost": "0-1", "draw": "1/2-1/2"}
			p1, p2 := ge.Players[0], ge.Players[1]
			result := results[p1.Result]
			white, black := p1.JID, p2.JID
			if p1.Role != "white" {
				white, black = p2.JID, p1.JID
			}
			whiteShort, _, _ := strings.Cut(white, "@")
			blackShort, _, _ := strings.Cut(black, "@")
			g.engine.Result(result, ge.End.Result)
			b.log.Info("game ended", "user", b.cfg.Username, "room", room, "white", whiteShort, "result", result, "black", blackShort, "reason", ge.End.Result)
		}
	case "adjourned":
		b.log.Info("game adjourned", "user", b.cfg.Username, "room", room)
	case "canceled":
		b.log.Info("game canceled", "user", b.cfg.Username, "room", room)
	}

	g.engine.Stop()
	delete(b.games, room)
	b.sess.Enqueue(stanza.LeaveGame(room, b.cfg.Server, b.cfg.Username))
}

func (b *Bot) handleEngineMove(ev engineEvent) {
	if _, ok := b.games[ev.room]; !ok {
		return
	}
	b.sess.Enqueue(stanza.Move(ev.room, b.cfg.Server, ev.move))
}

// forwardEngine relays one engine's Moves and Fatal channels into the
// bot loop's shared, room-tagged channels. Each active game gets its own
// forwarder goroutine since a select statement can't range over a
// dynamic set of channels; this is the fan-in the composite readiness
// primitive in spec.md §5 relies on for "every active engine's move
// channel".
func (b *Bot) forwardEngine(room string, a *engine.Adapter) {
	go func() {
		for {
			select {
			case mv, ok := <-a.Moves:
				if !ok {
					return
				}
				select {
				case b.moves <- engineEvent{room: room, move: mv}:
				case <-b.stopCh:
					return
				}
			case err, ok := <-a.Fatal:
				if !ok {
					return
				}
				select {
				case b.fatals <- engineFatal{room: room, err: err}:
				case <-b.stopCh:
					return
				}
			case <-b.stopCh:
				return
			}
		}
	}()
}
