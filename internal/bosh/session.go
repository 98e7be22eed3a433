// Package bosh implements the BOSH session machine (spec.md §4.B): the
// rid/sid handshake, envelope wrapping, keep-alive, inactivity timeout,
// and termination handling, plus enough of the XMPP stanza dispatcher
// (spec.md §4.C) to recognize the legacy jabber:iq:auth handshake and
// hand everything else to the bot/game controller undecoded.
//
// A Session has no goroutine of its own: every method is called
// synchronously from the owning bot's single event loop, so its fields
// never need a mutex — the same "never hold a lock across I/O, the
// owning loop is the only writer" discipline spec.md §5 describes.
package bosh

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/toddsdk/chessdbot/internal/bosherr"
	"github.com/toddsdk/chessdbot/internal/stanza"
	"github.com/toddsdk/chessdbot/internal/transport"
)

// Phase is the bot session's connection phase (spec.md §3).
type Phase int

const (
	PhaseUnbound Phase = iota
	PhaseRequestingSID
	PhaseAuthenticating
	PhaseOnline
	PhaseTerminating
)

// InactivityTimeout is how long the session waits without a response
// before forcing a reconnect (spec.md §4.B).
const InactivityTimeout = 60 * time.Second

// Session holds the rid/sid/phase state for one bot's BOSH connection.
type Session struct {
	Server string
	Port   int
	User   string
	Pass   string
	Log    *slog.Logger

	pool *transport.Pool

	rid   uint32
	sid   string
	phase Phase
	queue [][]byte

	lastRecv     time.Time
	sidBackoff   time.Duration
	nextSidRetry time.Time
}

// New creates a Session targeting server:port for the given credentials.
// log may be nil, in which case a discard logger is used.
func New(server string, port int, user, pass string, log *slog.Logger) *Session {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		Server: server,
		Port:   port,
		User:   user,
		Pass:   pass,
		Log:    log,
		pool:   transport.NewPool(server, port),
	}
}

// Pool exposes the underlying transport pool so the bot loop can select
// on its Responses channel alongside engine move channels.
func (s *Session) Pool() *transport.Pool { return s.pool }

// Queued returns a snapshot of the outbound queue, for tests and
// diagnostics. The caller must not mutate the returned slice's elements.
func (s *Session) Queued() [][]byte {
	out := make([][]byte, len(s.queue))
	copy(out, s.queue)
	return out
}

// Phase reports the current connection phase.
func (s *Session) Phase() Phase { return s.phase }

// SID reports the current BOSH session id, or "" if unbound.
func (s *Session) SID() string { return s.sid }

func (s *Session) useRid() uint32 {
	r := s.rid
	s.rid++
	return r
}

// Start begins the SID handshake (spec.md §4.B step 1).
func (s *Session) Start() {
	s.rid = uint32(rand.Int31n(1 << 24))
	s.sid = ""
	s.phase = PhaseRequestingSID
	s.sidBackoff = 2 * time.Second
	s.nextSidRetry = time.Now().Add(s.sidBackoff)
	s.lastRecv = time.Now()
	rid := s.useRid()
	s.queue = append(s.queue, stanza.AskSID(rid, s.Server))
	s.Log.Info("asking a SID from the BOSH server", "user", s.User)
}

// MaybeRetrySID re-sends the SID request with backoff if we're still
// waiting on one. The boundary sequence is ≤2s, ≤22s, ≤42s, ≤62s then
// capped at 60s (spec.md §8).
func (s *Session) MaybeRetrySID(now time.Time) {
	if s.phase != PhaseRequestingSID || s.sid != "" {
		return
	}
	if now.Before(s.nextSidRetry) {
		return
	}
	s.sidBackoff = s.sidBackoff + 10*time.Second + time.Duration(rand.Intn(11))*time.Second
	if s.sidBackoff > 60*time.Second {
		s.sidBackoff = 60 * time.Second
	}
	s.nextSidRetry = now.Add(s.sidBackoff)
	s.rid = uint32(rand.Int31n(1 << 24))
	rid := s.useRid()
	s.queue = append(s.queue, stanza.AskSID(rid, s.Server))
}

// NextWake returns how long the caller may safely block before it must
// call MaybeRetrySID or CheckInactivity again.
func (s *Session) NextWake(now time.Time) time.Duration {
	maxWait := 10 * time.Second
	if s.phase == PhaseRequestingSID && s.sid == "" {
		if d := s.nextSidRetry.Sub(now); d < maxWait {
			if d < 0 {
				return 0
			}
			return d
		}
	}
	return maxWait
}

// Enqueue wraps inner (a serialized stanza, or nil/empty for a keep-alive
// poll) in a <body rid sid> envelope and appends it to the outbound
// queue. It is a no-op returning false if sid is unset, preserving the
// invariant that a body-wrapped stanza is only emitted once a session
// exists.
func (s *Session) Enqueue(inner []byte) bool {
	if s.sid == "" {
		return false
	}
	rid := s.useRid()
	attrs := []xml.Attr{
		{Name: xml.Name{Local: "rid"}, Value: strconv.FormatUint(uint64(rid), 10)},
		{Name: xml.Name{Local: "sid"}, Value: s.sid},
		{Name: xml.Name{Local: "xmlns"}, Value: stanza.NSBind},
	}
	body, err := wrapBody(attrs, inner)
	if err != nil {
		s.Log.Error("failed to wrap outbound body", "user", s.User, "err", err)
		return false
	}
	s.queue = append(s.queue, body)
	return true
}

// KeepAlive synthesizes an empty poll body if the outbound queue is
// empty and every open socket is idle (spec.md §4.B "Keep-alive").
func (s *Session) KeepAlive() {
	if s.sid == "" {
		return
	}
	if len(s.queue) != 0 {
		return
	}
	if s.pool.OpenCount() > 0 && !s.poolFullyIdle() {
		return
	}
	s.Enqueue(nil)
}

func (s *Session) poolFullyIdle() bool {
	// TrySend reporting ErrNoCapacity for a zero-length probe is not
	// side-effect free, so the pool tracks idleness directly; a pool
	// with zero open sockets counts as "fully idle" so the very first
	// keep-alive can still open one.
	return s.pool.AllIdle()
}

// Pump tries to send the head of the outbound queue. It pops the head
// only on success or a non-capacity failure; ErrNoCapacity leaves the
// head queued for the next free socket (spec.md §4.A step 3).
func (s *Session) Pump() error {
	if len(s.queue) == 0 {
		return nil
	}
	body := s.queue[0]
	err := s.pool.TrySend(body)
	if err == nil {
		s.queue = s.queue[1:]
		return nil
	}
	if errors.Is(err, transport.ErrNoCapacity) {
		return nil
	}
	s.queue = s.queue[1:]
	return &bosherr.Transport{Err: err}
}

// CheckInactivity reports whether at least InactivityTimeout has
// elapsed since the last response, while online or mid-handshake
// (spec.md §4.B).
func (s *Session) CheckInactivity(now time.Time) bool {
	if s.phase == PhaseUnbound {
		return false
	}
	return now.Sub(s.lastRecv) >= InactivityTimeout
}

// Disconnect tears the session down. If clean, it first flushes whatever is
// still queued (e.g. leave-room presences the caller Enqueued just before
// calling this) and posts a terminate body, both best-effort; either way it
// closes every socket and resets to PhaseUnbound so Start can be called
// again.
func (s *Session) Disconnect(clean bool) {
	if clean && s.sid != "" {
		for _, body := range s.queue {
			_ = s.pool.TrySend(body)
		}
		rid := s.useRid()
		attrs := []xml.Attr{
			{Name: xml.Name{Local: "rid"}, Value: strconv.FormatUint(uint64(rid), 10)},
			{Name: xml.Name{Local: "sid"}, Value: s.sid},
			{Name: xml.Name{Local: "type"}, Value: "terminate"},
			{Name: xml.Name{Local: "xmlns"}, Value: stanza.NSBind},
		}
		if body, err := wrapBody(attrs, nil); err == nil {
			_ = s.pool.TrySend(body)
		}
	}
	s.pool.CloseAll()
	s.sid = ""
	s.phase = PhaseUnbound
	s.queue = nil
}

// HandleResponse parses one received HTTP body payload. It consumes the
// SID handshake and legacy jabber:iq:auth exchange itself and returns
// every other direct child of <body> (message/presence/iq) for the
// bot/game controller to dispatch. A non-nil error is always one of the
// bosherr kinds and should drive the caller's disposition per spec.md §7.
func (s *Session) HandleResponse(payload []byte) ([]stanza.Element, error) {
	s.lastRecv = time.Now()
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if bytes.HasPrefix(trimmed, []byte("<error")) {
		var re stanza.RootError
		if err := xml.Unmarshal(trimmed, &re); err == nil {
			return nil, &bosherr.Session{Err: fmt.Errorf("bosh error: %s", re.Text)}
		}
	}

	var body stanza.Body
	if err := xml.Unmarshal(trimmed, &body); err != nil {
		s.Log.Error("malformed response body", "user", s.User, "payload", string(trimmed))
		return nil, &bosherr.Protocol{Err: err}
	}

	if body.Type == "terminate" {
		return nil, &bosherr.Session{Err: fmt.Errorf("bosh terminated (condition=%q)", body.Condition)}
	}

	if s.phase == PhaseRequestingSID && s.sid == "" && body.Sid != "" {
		s.sid = body.Sid
		s.phase = PhaseAuthenticating
		s.Log.Info("acquired SID", "user", s.User, "sid", s.sid)
		s.Enqueue(stanza.AuthStep1(s.Server, s.User))
	}

	var rest []stanza.Element
	for _, child := range body.Children {
		if child.XMLName.Local == "iq" {
			var iq stanza.IQ
			if err := child.Decode(&iq); err == nil && s.handleAuthIQ(iq) {
				continue
			}
		}
		rest = append(rest, child)
	}
	return rest, nil
}

// handleAuthIQ consumes the two legacy jabber:iq:auth steps and reports
// whether it did so (true means the caller should not forward the
// element on to the bot controller).
func (s *Session) handleAuthIQ(iq stanza.IQ) bool {
	isAuth := iq.Query != nil && iq.Query.XMLNS == stanza.NSAuth
	if isAuth {
		var au stanza.AuthUsername
		if err := xml.Unmarshal(append(append([]byte("<query>"), iq.Query.Inner...), []byte("</query>")...), &au); err == nil {
			if au.Username != "" && au.Username != s.User {
				s.Log.Error("authentication error: username mismatch", "user", s.User, "got", au.Username)
			}
		}
	}
	switch {
	case iq.ID == "auth_1" && iq.Type == "result" && iq.From == s.Server:
		s.Enqueue(stanza.AuthStep2(s.Server, s.User, s.Pass))
		return true
	case iq.ID == "auth_2" && iq.Type == "result" && iq.From == s.Server:
		s.phase = PhaseOnline
		selfJID := s.User + "@" + s.Server + "/" + stanza.Resource
		s.Enqueue(stanza.GlobalPresence(selfJID, s.Server, s.User))
		s.Enqueue(stanza.VCardUpdate(s.User))
		s.Log.Info("connected to server", "user", s.User, "server", s.Server)
		return true
	case isAuth:
		return true
	}
	return false
}
