package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zzhangb4/Lishogi-Bot/internal/obslog"
	"github.com/zzhangb4/Lishogi-Bot/internal/variant"
)

const (
	defaultReadyTimeout = 4 * time.Second
	quitTimeout         = 2 * time.Second
	// noClockMoveTime is used when the server reports no clock at all.
	noClockMoveTime  = 10 * time.Second
	maxSearchTimeout = 30 * time.Minute
)

// ErrNoMove is returned when the engine answers without a playable move.
var ErrNoMove = errors.New("engine returned no move")

type protocol struct {
	name        string
	hello       string
	helloOK     string
	newGame     string
	positionKey string
	skillOption string
}

var protocols = map[string]protocol{
	"uci": {name: "uci", hello: "uci", helloOK: "uciok", newGame: "ucinewgame", positionKey: "fen", skillOption: "Skill Level"},
	"usi": {name: "usi", hello: "usi", helloOK: "usiok", newGame: "usinewgame", positionKey: "sfen", skillOption: "SkillLevel"},
}

// ProcessConfig describes how to start one engine process.
type ProcessConfig struct {
	Path     string
	Protocol string
	Options  map[string]string
	Logger   *zap.Logger
}

// Process is one running engine speaking UCI or USI over stdin/stdout.
type Process struct {
	proto  protocol
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	done   chan struct{}
	logger *zap.Logger

	readErr error

	mu     sync.Mutex
	search sync.Mutex

	infoMu    sync.Mutex
	info      Info
	increment time.Duration

	quitOnce sync.Once
	quitErr  error
	onQuit   func()
}

var _ Engine = (*Process)(nil)

// StartProcess launches the engine, completes the handshake and applies the
// configured options plus the board's variant options.
func StartProcess(ctx context.Context, cfg ProcessConfig, board variant.Board) (*Process, error) {
	proto, ok := protocols[strings.ToLower(strings.TrimSpace(cfg.Protocol))]
	if !ok {
		return nil, fmt.Errorf("unknown engine protocol %q", cfg.Protocol)
	}

	cmd := exec.Command(cfg.Path)
	cmd.Dir = filepath.Dir(cfg.Path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	p := &Process{
		proto:  proto,
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan string, 256),
		done:   make(chan struct{}),
		logger: obslog.Or(cfg.Logger).With(zap.String("component", "engine"), zap.Int("pid", cmd.Process.Pid)),
		info:   Info{},
	}
	go p.readLoop(stdoutPipe)

	if err := p.initialize(ctx, cfg.Options, board); err != nil {
		_ = p.Quit()
		return nil, err
	}
	return p, nil
}

func (p *Process) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		select {
		case p.lines <- strings.TrimSpace(sc.Text()):
		case <-p.done:
			return
		}
	}
	p.readErr = sc.Err()
	if p.readErr == nil {
		p.readErr = io.EOF
	}
	close(p.lines)
}

func (p *Process) initialize(ctx context.Context, opts map[string]string, board variant.Board) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := p.send(p.proto.hello); err != nil {
		return fmt.Errorf("send %s: %w", p.proto.hello, err)
	}
	if err := p.awaitToken(initCtx, p.proto.helloOK); err != nil {
		return fmt.Errorf("wait %s: %w", p.proto.helloOK, err)
	}
	for _, cmd := range optionCommands(p.proto, opts, board) {
		if err := p.send(cmd); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}
	return p.ensureReady(initCtx)
}

// optionCommands renders configured options in a stable order, followed by
// the variant switches the board needs.
func optionCommands(proto protocol, opts map[string]string, board variant.Board) []string {
	names := make([]string, 0, len(opts))
	for name := range opts {
		names = append(names, name)
	}
	sort.Strings(names)

	cmds := make([]string, 0, len(names)+2)
	for _, name := range names {
		cmds = append(cmds, fmt.Sprintf("setoption name %s value %s", name, opts[name]))
	}
	if proto.name == "uci" && board != nil {
		if board.Chess960() {
			cmds = append(cmds, "setoption name UCI_Chess960 value true")
		}
		if board.Variant() == variant.Crazyhouse {
			cmds = append(cmds, "setoption name UCI_Variant value crazyhouse")
		}
	}
	return cmds
}

func (p *Process) ensureReady(ctx context.Context) error {
	if err := p.send("isready"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := p.awaitToken(ctx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func (p *Process) SetSkillLevel(ctx context.Context, level int) error {
	if err := p.send(fmt.Sprintf("setoption name %s value %d", p.proto.skillOption, level)); err != nil {
		return fmt.Errorf("set skill level: %w", err)
	}
	readyCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()
	return p.ensureReady(readyCtx)
}

// SetTimeControl starts a new game on the engine and remembers the increment
// for states that report none.
func (p *Process) SetTimeControl(ctx context.Context, initial, increment time.Duration) error {
	p.infoMu.Lock()
	p.increment = increment
	p.infoMu.Unlock()

	if err := p.send(p.proto.newGame); err != nil {
		return fmt.Errorf("send %s: %w", p.proto.newGame, err)
	}
	readyCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()
	if err := p.ensureReady(readyCtx); err != nil {
		return err
	}
	p.logger.Debug("engine_time_control", zap.Duration("initial", initial), zap.Duration("increment", increment))
	return nil
}

func (p *Process) Search(ctx context.Context, board variant.Board, t Times) (string, error) {
	p.infoMu.Lock()
	if t.WInc == 0 && t.BInc == 0 && p.increment > 0 {
		t.WInc, t.BInc = p.increment, p.increment
	}
	p.infoMu.Unlock()
	return p.run(ctx, board, buildClockGo(p.proto, t), clockSearchTimeout(t))
}

func (p *Process) FirstSearch(ctx context.Context, board variant.Board, budget time.Duration) (string, error) {
	l := Limits{MoveTime: budget}
	tokens, err := buildGoTokens(l)
	if err != nil {
		return "", err
	}
	return p.run(ctx, board, strings.Join(tokens, " "), computeSearchTimeout(l))
}

func (p *Process) Analyse(ctx context.Context, board variant.Board, l Limits) (string, error) {
	tokens, err := buildGoTokens(l)
	if err != nil {
		return "", err
	}
	return p.run(ctx, board, strings.Join(tokens, " "), computeSearchTimeout(l))
}

// Info returns a copy of the last search report.
func (p *Process) Info() Info {
	p.infoMu.Lock()
	defer p.infoMu.Unlock()
	out := make(Info, len(p.info))
	for k, v := range p.info {
		out[k] = v
	}
	return out
}

func (p *Process) run(ctx context.Context, board variant.Board, goCmd string, timeout time.Duration) (string, error) {
	p.search.Lock()
	defer p.search.Unlock()

	positionCmd := buildPositionCommand(p.proto, board.StartingPosition(), board.Moves(), board.Variant())
	if err := p.send(positionCmd); err != nil {
		return "", fmt.Errorf("send position: %w", err)
	}
	if err := p.send(goCmd); err != nil {
		return "", fmt.Errorf("send go: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		line, err := p.readLine(searchCtx)
		if err != nil {
			p.logger.Warn("engine_read_failed", zap.String("position", positionCmd), zap.String("go", goCmd), zap.Error(err))
			return "", fmt.Errorf("read line: %w", err)
		}
		switch {
		case strings.HasPrefix(line, "info "):
			if info, ok := parseInfo(line); ok {
				p.infoMu.Lock()
				p.info = info
				p.infoMu.Unlock()
			}
		case strings.HasPrefix(line, "bestmove"):
			parts := strings.Fields(line)
			if len(parts) < 2 {
				return "", ErrNoMove
			}
			switch parts[1] {
			case "(none)", "none", "resign", "win":
				return "", fmt.Errorf("%w: %s", ErrNoMove, parts[1])
			}
			return parts[1], nil
		}
	}
}

// Quit asks the engine to exit and kills it if it lingers.
func (p *Process) Quit() error {
	p.quitOnce.Do(func() {
		_ = p.send("quit")
		p.mu.Lock()
		_ = p.stdin.Close()
		p.mu.Unlock()

		waited := make(chan error, 1)
		go func() { waited <- p.cmd.Wait() }()
		select {
		case err := <-waited:
			p.quitErr = err
		case <-time.After(quitTimeout):
			_ = p.cmd.Process.Kill()
			<-waited
		}
		close(p.done)
		if p.onQuit != nil {
			p.onQuit()
		}
	})
	return p.quitErr
}

func (p *Process) send(msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := io.WriteString(p.stdin, msg+"\n")
	return err
}

func (p *Process) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := p.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(line, token) {
			return nil
		}
	}
}

func (p *Process) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return "", p.readErr
		}
		return line, nil
	}
}

func buildPositionCommand(proto protocol, fen string, moves []string, kind variant.Kind) string {
	var sb strings.Builder
	fen = strings.TrimSpace(fen)
	if proto.name == "usi" {
		fen = toSFEN(fen)
	}
	if fen == "" || fen == "startpos" || (proto.name == "usi" && kind == variant.Shogi && fen == toSFEN(variant.StartingFEN(variant.Shogi))) {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position ")
		sb.WriteString(proto.positionKey)
		sb.WriteString(" ")
		sb.WriteString(fen)
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	return sb.String()
}

// toSFEN rewrites the server's bracketed-hand notation into SFEN fields.
func toSFEN(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) < 2 || !strings.Contains(fields[0], "[") {
		return fen
	}
	boardPart, hand, _ := strings.Cut(fields[0], "[")
	hand = strings.TrimSuffix(hand, "]")
	if hand == "" {
		hand = "-"
	}
	num := "1"
	if len(fields) >= 3 {
		num = fields[len(fields)-1]
	}
	return strings.Join([]string{boardPart, fields[1], hand, num}, " ")
}

func buildClockGo(proto protocol, t Times) string {
	if t.WTime <= 0 && t.BTime <= 0 {
		return "go movetime " + strconv.FormatInt(noClockMoveTime.Milliseconds(), 10)
	}
	ms := func(d time.Duration) string { return strconv.FormatInt(d.Milliseconds(), 10) }
	if proto.name == "usi" {
		return "go btime " + ms(t.BTime) + " wtime " + ms(t.WTime) + " binc " + ms(t.BInc) + " winc " + ms(t.WInc)
	}
	return "go wtime " + ms(t.WTime) + " btime " + ms(t.BTime) + " winc " + ms(t.WInc) + " binc " + ms(t.BInc)
}

func clockSearchTimeout(t Times) time.Duration {
	if t.WTime <= 0 && t.BTime <= 0 {
		return computeSearchTimeout(Limits{MoveTime: noClockMoveTime})
	}
	longest := max(t.WTime, t.BTime) + max(t.WInc, t.BInc) + 10*time.Second
	return min(longest, maxSearchTimeout)
}

func buildGoTokens(l Limits) ([]string, error) {
	args := []string{"go"}
	if l.Depth > 0 {
		args = append(args, "depth", strconv.Itoa(l.Depth))
	}
	if l.MoveTime > 0 {
		args = append(args, "movetime", strconv.FormatInt(l.MoveTime.Milliseconds(), 10))
	}
	if len(args) == 1 {
		return nil, fmt.Errorf("no search limits specified")
	}
	return args, nil
}

func computeSearchTimeout(l Limits) time.Duration {
	if l.MoveTime > 0 {
		return (l.MoveTime + 2*time.Second) * 3
	}
	if l.Depth > 0 {
		base := time.Duration(l.Depth) * 300 * time.Millisecond
		return min(max(base, 6*time.Second), 20*time.Second)
	}
	return 6 * time.Second
}

// parseInfo extracts the numeric fields, the score and the principal
// variation from an info line.
func parseInfo(line string) (Info, bool) {
	parts := strings.Fields(line)
	info := Info{}
	for i := 1; i < len(parts); i++ {
		switch parts[i] {
		case "depth", "seldepth", "nodes", "nps", "time", "hashfull", "multipv":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					info[parts[i]] = v
				}
				i++
			}
		case "score":
			if i+2 < len(parts) {
				kind := parts[i+1]
				if v, err := strconv.Atoi(parts[i+2]); err == nil && (kind == "cp" || kind == "mate") {
					info["score"] = map[string]int{kind: v}
				}
				i += 2
			}
		case "string":
			return nil, false
		case "pv":
			if i+1 < len(parts) {
				info["pv"] = strings.Join(parts[i+1:], " ")
			}
			i = len(parts)
		}
	}
	if len(info) == 0 {
		return nil, false
	}
	return info, true
}
