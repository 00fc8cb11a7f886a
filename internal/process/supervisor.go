package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/nodevisor/internal/detector"
	"github.com/loykin/nodevisor/internal/metrics"
	"github.com/loykin/nodevisor/internal/sysproc"
)

const (
	DefaultMinAlive         = 5 * time.Second
	DefaultPollInterval     = 250 * time.Millisecond
	DefaultPortReleaseDelay = time.Second
	DefaultKillWait         = 5 * time.Second

	maxLineBytes = 1 << 20
	// outputDrain bounds how long the exit watcher waits for buffered output
	// after exit; descendants may keep the pipe open.
	outputDrain = 500 * time.Millisecond
)

// Config describes one supervised executable.
type Config struct {
	Name   string
	Binary string
	// Detector decides readiness; nil means the process is only required to
	// survive MinAlive.
	Detector detector.Detector
	// Adapter kills process trees; nil selects the adapter for the running OS.
	Adapter sysproc.Adapter

	MinAlive         time.Duration
	PollInterval     time.Duration
	PortReleaseDelay time.Duration
	KillWait         time.Duration
	LogCapacity      int

	// Output, when set, receives a copy of every output line.
	Output io.Writer
	// OnEvent is called synchronously for Started and Stopped events.
	OnEvent func(Event)
	Logger  *slog.Logger
}

// Supervisor owns at most one running OS process at a time.
type Supervisor struct {
	cfg  Config
	log  *slog.Logger
	logs *LogBuffer

	opMu sync.Mutex // serializes the launch phase of Spawn and the whole of Kill
	mu   sync.Mutex // guards cur
	cur  *run
}

type run struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	done      chan struct{} // closed after cmd.Wait returns
	outDone   chan struct{} // closed when the output reader ends
	exitErr   error         // valid once done is closed
	readyCh   chan struct{}
	readyOnce sync.Once
	killed    atomic.Bool
}

func (r *run) markReady() { r.readyOnce.Do(func() { close(r.readyCh) }) }

func (r *run) isReady() bool {
	select {
	case <-r.readyCh:
		return true
	default:
		return false
	}
}

func New(cfg Config) *Supervisor {
	if cfg.Detector == nil {
		cfg.Detector = detector.Never{}
	}
	if cfg.Adapter == nil {
		if a, err := sysproc.New(); err == nil {
			cfg.Adapter = a
		}
	}
	if cfg.MinAlive <= 0 {
		cfg.MinAlive = DefaultMinAlive
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PortReleaseDelay < 0 {
		cfg.PortReleaseDelay = 0
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = DefaultKillWait
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Supervisor{
		cfg:  cfg,
		log:  l.With("process", cfg.Name),
		logs: NewLogBuffer(cfg.LogCapacity),
	}
}

func (s *Supervisor) Name() string { return s.cfg.Name }

// Spawn launches the process unless one is already running, then blocks until
// the process reports ready or survives the minimum alive window. A process
// that exits first yields a *CrashError carrying the captured output.
func (s *Supervisor) Spawn(env, args []string, workDir string) error {
	s.opMu.Lock()
	r, err := s.launch(env, args, workDir)
	s.opMu.Unlock()
	if err != nil || r == nil {
		return err
	}
	return s.watch(r)
}

func (s *Supervisor) launch(env, args []string, workDir string) (*run, error) {
	if s.cfg.Binary == "" {
		return nil, fmt.Errorf("%s: %w", s.cfg.Name, ErrNoBinary)
	}
	s.mu.Lock()
	running := s.cur != nil
	s.mu.Unlock()
	if running {
		s.log.Warn("process is already running")
		return nil, nil
	}

	cmd := exec.Command(s.cfg.Binary, args...)
	cmd.Env = env
	cmd.Dir = workDir
	configureSysProcAttr(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%s: output pipe: %w", s.cfg.Name, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if rs, ok := s.cfg.Detector.(detector.Resetter); ok {
		rs.Reset(time.Now())
	}
	s.log.Info("spawning process", "binary", s.cfg.Binary, "args", args, "dir", workDir)
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start %s: %w", s.cfg.Name, err)
	}
	// the child holds its own copy of the write end
	_ = pw.Close()

	r := &run{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		outDone:   make(chan struct{}),
		readyCh:   make(chan struct{}),
	}
	s.mu.Lock()
	s.cur = r
	s.mu.Unlock()
	metrics.SetRunning(s.cfg.Name, true)
	s.log.Info("process started", "pid", r.pid)

	go s.readOutput(r, pr)
	go s.waitExit(r)
	return r, nil
}

func (s *Supervisor) readOutput(r *run, pr *os.File) {
	defer close(r.outDone)
	defer func() { _ = pr.Close() }()
	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		s.logs.Add(LogEntry{Timestamp: time.Now(), Process: s.cfg.Name, Message: line})
		if s.cfg.Output != nil {
			_, _ = io.WriteString(s.cfg.Output, line+"\n")
		}
		if !r.isReady() && s.cfg.Detector.Line(line) {
			s.log.Info("ready signal detected", "pid", r.pid, "line", line)
			r.markReady()
		}
	}
	if err := sc.Err(); err != nil {
		s.log.Warn("output reader stopped", "pid", r.pid, "err", err)
		// keep draining so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, pr)
	}
}

func (s *Supervisor) waitExit(r *run) {
	err := r.cmd.Wait()
	r.exitErr = err
	select {
	case <-r.outDone:
	case <-time.After(outputDrain):
	}
	code := -1
	if ps := r.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
	}
	s.logs.Add(LogEntry{
		Timestamp: time.Now(),
		Process:   s.cfg.Name,
		Message:   fmt.Sprintf("process terminated with code %d", code),
	})
	close(r.done)

	s.mu.Lock()
	own := s.cur == r
	if own {
		s.cur = nil
	}
	s.mu.Unlock()
	if !own {
		// Kill took the handle and publishes Stopped itself.
		return
	}
	metrics.SetRunning(s.cfg.Name, false)
	s.log.Warn("process exited", "pid", r.pid, "code", code, "err", err)
	s.emit(Event{Process: s.cfg.Name, Kind: Stopped, PID: r.pid, ExitErr: err, At: time.Now()})
}

// watch runs the liveness watchdog on the calling goroutine.
func (s *Supervisor) watch(r *run) error {
	window := time.NewTimer(s.cfg.MinAlive)
	defer window.Stop()
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-r.done:
			return s.crashed(r)
		default:
		}
		select {
		case <-r.done:
			return s.crashed(r)
		case <-r.readyCh:
			return s.started(r, true)
		case <-tick.C:
			ok, err := s.cfg.Detector.Poll()
			if err != nil {
				s.log.Debug("readiness poll", "err", err)
			}
			if ok {
				s.log.Info("ready signal detected", "pid", r.pid, "detector", s.cfg.Detector.Describe())
				r.markReady()
			}
		case <-window.C:
			return s.started(r, r.isReady())
		}
	}
}

func (s *Supervisor) crashed(r *run) error {
	if r.killed.Load() {
		return fmt.Errorf("%s: %w", s.cfg.Name, ErrKilled)
	}
	metrics.IncCrash(s.cfg.Name)
	var logs []LogEntry
	for _, e := range s.logs.LastN(0) {
		if !e.Timestamp.Before(r.startedAt) {
			logs = append(logs, e)
		}
	}
	err := &CrashError{
		Process:  s.cfg.Name,
		MinAlive: s.cfg.MinAlive,
		After:    time.Since(r.startedAt),
		ExitErr:  r.exitErr,
		Logs:     logs,
	}
	s.log.Error("process crashed during start", "pid", r.pid, "err", err)
	return err
}

func (s *Supervisor) started(r *run, ready bool) error {
	d := time.Since(r.startedAt)
	metrics.IncSpawn(s.cfg.Name)
	metrics.ObserveStartDuration(s.cfg.Name, d.Seconds())
	s.log.Info("process spawned", "pid", r.pid, "ready", ready, "after", d.Round(time.Millisecond))
	s.emit(Event{Process: s.cfg.Name, Kind: Started, PID: r.pid, At: time.Now()})
	return nil
}

// Kill terminates the running process tree and waits for the port-release
// delay. With nothing running it only logs.
func (s *Supervisor) Kill() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	r := s.cur
	s.cur = nil
	s.mu.Unlock()
	if r == nil {
		s.log.Info("no process is running to kill")
		return
	}
	r.killed.Store(true)
	metrics.SetRunning(s.cfg.Name, false)
	metrics.IncKill(s.cfg.Name)
	s.log.Info("killing process tree", "pid", r.pid)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.KillWait)
	defer cancel()
	var kerr error
	if s.cfg.Adapter != nil {
		kerr = s.cfg.Adapter.KillTree(ctx, r.pid)
	} else {
		kerr = r.cmd.Process.Kill()
	}
	if kerr != nil {
		s.log.Warn("kill process tree", "pid", r.pid, "err", kerr)
		_ = r.cmd.Process.Kill()
	}

	select {
	case <-r.done:
	case <-time.After(s.cfg.KillWait):
		s.log.Warn("process did not exit in time", "pid", r.pid, "wait", s.cfg.KillWait)
	}
	if s.cfg.PortReleaseDelay > 0 {
		time.Sleep(s.cfg.PortReleaseDelay)
	}
	s.log.Info("process killed", "pid", r.pid)
	s.emit(Event{Process: s.cfg.Name, Kind: Stopped, PID: r.pid, At: time.Now()})
}

// WhileStopped runs fn while holding the lock shared by the launch phase of
// Spawn and by Kill, so no process can start during fn. It returns ErrRunning
// without calling fn when a process is running.
func (s *Supervisor) WhileStopped(fn func() error) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.IsRunning() {
		return fmt.Errorf("%s: %w", s.cfg.Name, ErrRunning)
	}
	return fn()
}

func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

func (s *Supervisor) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && s.cur.isReady()
}

// PID returns the pid of the running process or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return s.cur.pid
}

func (s *Supervisor) LastNLogs(n int) []LogEntry { return s.logs.LastN(n) }

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Name: s.cfg.Name, Binary: s.cfg.Binary, Detector: s.cfg.Detector.Describe()}
	if r := s.cur; r != nil {
		st.Running = true
		st.Ready = r.isReady()
		st.PID = r.pid
		st.StartedAt = r.startedAt
	}
	return st
}

func (s *Supervisor) emit(e Event) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(e)
	}
}
