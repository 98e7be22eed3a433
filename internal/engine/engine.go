// Package engine implements the CECP (xboard) adapter: one child chess
// engine process per active game, feature negotiation, a queueing
// discipline gated on the negotiated "done" feature, and move/draw
// extraction from the engine's stdout (spec.md §4.E).
package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrSetboardUnsupported is sent on Fatal when the engine declares
// feature setboard=0, which spec.md §7 treats as fatal.
var ErrSetboardUnsupported = errors.New("engine: setboard=0 is unsupported by this engine")

var (
	moveRe   = regexp.MustCompile(`^move (\w+)`)
	myMoveRe = regexp.MustCompile(`^My move is: (\w+)`)
	pongRe   = regexp.MustCompile(`^pong (\d+)`)
	featRe   = regexp.MustCompile(`(\S+)=("[^"]*"|\S+)`)
)

// Adapter owns one spawned chess engine process and the CECP protocol
// state for the game it is playing.
type Adapter struct {
	path string
	cmd  *exec.Cmd
	in   io.WriteCloser
	out  io.ReadCloser

	mu              sync.Mutex
	queue           []string
	doneAccepted    bool
	running         bool
	featureUsermove bool
	featureColors   bool
	featurePing     bool
	acceptedDraw    bool
	pingID          int

	// Moves delivers extracted move strings ("move"/"My move is:") to
	// the owning bot loop. Buffered so the coordinator never blocks on a
	// slow consumer for long; the bot loop is expected to drain it every
	// tick per spec.md §5.
	Moves chan string
	// Fatal receives ErrSetboardUnsupported at most once.
	Fatal chan error

	lines  chan string
	stopCh chan struct{}
	stopO  sync.Once
}

// Spawn forks the engine at path (a space-separated command line) and
// begins the CECP handshake.
func Spawn(path string) (*Adapter, error) {
	fields := strings.Fields(path)
	if len(fields) == 0 {
		return nil, errors.New("engine: empty engine path")
	}
	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: start %q: %w", path, err)
	}

	a := &Adapter{
		path:          path,
		cmd:           cmd,
		in:            stdin,
		out:           stdout,
		featureColors: true,
		running:       true,
		Moves:         make(chan string, 4),
		Fatal:         make(chan error, 1),
		lines:         make(chan string, 16),
		stopCh:        make(chan struct{}),
	}

	if _, err := io.WriteString(a.in, "xboard\nprotover 2\n"); err != nil {
		a.Stop()
		return nil, fmt.Errorf("engine: initial handshake write: %w", err)
	}

	go a.pumpStdout()
	go a.coordinate()
	return a, nil
}

// Enqueue appends a CECP command line (without its trailing newline) to
// the outbound FIFO. It will be written to the child's stdin only once
// the queue is draining (doneAccepted && running).
func (a *Adapter) Enqueue(cmd string) {
	a.mu.Lock()
	a.queue = append(a.queue, cmd)
	a.mu.Unlock()
}

// Usermove enqueues an opponent move, prefixed with "usermove" if the
// engine negotiated that feature.
func (a *Adapter) Usermove(long string) {
	a.mu.Lock()
	usermove := a.featureUsermove
	a.mu.Unlock()
	if usermove {
		a.Enqueue("usermove " + long)
	} else {
		a.Enqueue(long)
	}
}

// SetBoard enqueues a setboard command with the six FEN-derived fields in
// the order the round-trip law in spec.md §8 requires.
func (a *Adapter) SetBoard(state, turn, castle, enpassant, halfmoves, fullmoves string) {
	a.Enqueue(fmt.Sprintf("setboard %s %s %s %s %s %s", state, turn, castle, enpassant, halfmoves, fullmoves))
}

// Play enqueues the force/new/random bootstrap followed by the
// color/go/playother sequence that makes the engine take the right side,
// per spec.md §4.E "Play setup".
func (a *Adapter) Play(turn string, isWhite bool) {
	a.Enqueue("force")
	a.Enqueue("new")
	a.Enqueue("random")

	a.mu.Lock()
	colors := a.featureColors
	a.mu.Unlock()

	switch {
	case isWhite && colors && turn == "white":
		a.Enqueue("black")
		a.Enqueue("white")
		a.Enqueue("go")
	case isWhite && colors && turn == "black":
		a.Enqueue("black")
	case isWhite && !colors && turn == "white":
		a.Enqueue("go")
	case isWhite && !colors && turn == "black":
		a.Enqueue("playother")
	case !isWhite && colors && turn == "white":
		a.Enqueue("white")
	case !isWhite && colors && turn == "black":
		a.Enqueue("white")
		a.Enqueue("black")
		a.Enqueue("go")
	case !isWhite && !colors && turn == "white":
		a.Enqueue("playother")
	case !isWhite && !colors && turn == "black":
		a.Enqueue("go")
	}
}

// SetTime enqueues the level command for a timed match. seconds and inc
// are both in seconds.
func (a *Adapter) SetTime(seconds, inc int) {
	minutes := seconds / 60
	rem := seconds % 60
	if rem != 0 {
		a.Enqueue(fmt.Sprintf("level 0 %d:%d %d", minutes, rem, inc))
	} else {
		a.Enqueue(fmt.Sprintf("level 0 %d %d", minutes, inc))
	}
}

// Draw clears any earlier "offer draw" seen from the engine and enqueues
// a draw offer/acceptance probe to the engine.
func (a *Adapter) Draw() {
	a.mu.Lock()
	a.acceptedDraw = false
	a.mu.Unlock()
	a.Enqueue("draw")
}

// Result enqueues the game-over notification.
func (a *Adapter) Result(score, reason string) {
	a.Enqueue(fmt.Sprintf("result %s {%s}", score, reason))
}

// Ping enqueues a ping if the engine negotiated that feature. No bot
// operation currently calls this; it is kept only for CECP feature-negotiation
// parity alongside featurePing/pingID, mirroring the dormant ping() path in
// the original.
func (a *Adapter) Ping() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.featurePing {
		return
	}
	a.pingID++
	a.queue = append(a.queue, fmt.Sprintf("ping %d", a.pingID))
}

// AcceptedDraw reports whether the engine has emitted "offer draw" since
// the last Draw() probe. Used by the 2-second draw-verification check in
// spec.md §4.D.
func (a *Adapter) AcceptedDraw() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acceptedDraw
}

// Stop kills the child, idempotently. Per spec.md §4.E, shutdown does
// not wait for a graceful CECP quit.
func (a *Adapter) Stop() {
	a.stopO.Do(func() {
		close(a.stopCh)
	})
	a.mu.Lock()
	running := a.running
	a.running = false
	a.mu.Unlock()
	if !running {
		return
	}
	a.in.Close()
	a.out.Close()
	if a.cmd.Process != nil {
		// Kill the whole process group so a helper the engine itself
		// forked (book probes, tablebase lookups) is reaped too.
		_ = unix.Kill(-a.cmd.Process.Pid, unix.SIGKILL)
	}
	_ = a.cmd.Wait()
}

func (a *Adapter) pumpStdout() {
	defer close(a.lines)
	scanner := bufio.NewScanner(a.out)
	for scanner.Scan() {
		select {
		case a.lines <- scanner.Text():
		case <-a.stopCh:
			return
		}
	}
}

func (a *Adapter) coordinate() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case line, ok := <-a.lines:
			if !ok {
				// Engine stdout EOF: stop the engine. Nothing reports
				// the EOF to the bot loop, so the owning game stays in
				// the bot's game table until the server ends it.
				a.Stop()
				return
			}
			a.handleLine(line)
			a.drainQueue()
		case <-ticker.C:
			a.drainQueue()
		}
	}
}

func (a *Adapter) drainQueue() {
	a.mu.Lock()
	if !a.running || !a.doneAccepted || len(a.queue) == 0 {
		a.mu.Unlock()
		return
	}
	pending := a.queue
	a.queue = nil
	a.mu.Unlock()

	for _, cmd := range pending {
		if _, err := io.WriteString(a.in, cmd+"\n"); err != nil {
			return
		}
	}
}

func (a *Adapter) handleLine(line string) {
	switch {
	case strings.HasPrefix(line, "feature "):
		a.handleFeature(strings.TrimPrefix(line, "feature "))
	case moveRe.MatchString(line):
		a.deliverMove(moveRe.FindStringSubmatch(line)[1])
	case myMoveRe.MatchString(line):
		a.deliverMove(myMoveRe.FindStringSubmatch(line)[1])
	case pongRe.MatchString(line):
		// ignored
	case strings.TrimSpace(line) == "offer draw":
		a.mu.Lock()
		a.acceptedDraw = true
		a.mu.Unlock()
	}
}

func (a *Adapter) deliverMove(move string) {
	select {
	case a.Moves <- move:
	case <-a.stopCh:
	}
}

func (a *Adapter) handleFeature(rest string) {
	for _, m := range featRe.FindAllStringSubmatch(rest, -1) {
		key, val := m[1], strings.Trim(m[2], `"`)
		switch key {
		case "usermove":
			a.mu.Lock()
			a.featureUsermove = val == "1"
			a.mu.Unlock()
			a.Enqueue("accepted usermove")
		case "playother":
			a.mu.Lock()
			a.featureColors = val != "1"
			a.mu.Unlock()
			a.Enqueue("accepted playother")
		case "colors":
			a.mu.Lock()
			a.featureColors = val == "1"
			a.mu.Unlock()
			a.Enqueue("accepted colors")
		case "ping":
			a.mu.Lock()
			a.featurePing = val == "1"
			a.mu.Unlock()
			a.Enqueue("accepted ping")
		case "setboard":
			if n, err := strconv.Atoi(val); err == nil && n == 0 {
				select {
				case a.Fatal <- ErrSetboardUnsupported:
				default:
				}
				return
			}
			a.Enqueue("accepted setboard")
		case "done":
			accepted := val == "1"
			a.mu.Lock()
			a.doneAccepted = accepted
			a.mu.Unlock()
			if accepted {
				a.Enqueue("accepted done")
			}
		}
	}
}
