package engine

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"molrender/internal/config"
	"molrender/internal/events"
	"molrender/internal/models"
	"molrender/internal/telemetry"
)

// commandClient abstracts the per-process control endpoint so tests can stand
// in a fake engine.
type commandClient interface {
	run(ctx context.Context, command string) (models.CommandResult, error)
	ping(ctx context.Context) error
}

// Manager spawns, health-checks, and reclaims external engine processes. One
// manager per host; processes are confined to that host.
type Manager struct {
	cfg      config.Config
	registry *registry
	ports    *PortPool
	bus      *events.Bus

	httpClient *http.Client

	// Injection points for tests.
	nowFn     func() time.Time
	startCmd  func(port int) (*exec.Cmd, error)
	newClient func(port int) commandClient
}

// NewManager builds a manager with the binary/port settings from cfg.
func NewManager(cfg config.Config, bus *events.Bus) *Manager {
	httpClient := &http.Client{Timeout: cfg.CommandTimeout}
	m := &Manager{
		cfg:        cfg,
		registry:   newRegistry(),
		ports:      NewPortPool(cfg.EngineBasePort, cfg.EngineMaxInstances),
		bus:        bus,
		httpClient: httpClient,
		nowFn:      time.Now,
	}
	m.startCmd = m.launchEngine
	m.newClient = func(port int) commandClient {
		return newRESTClient(httpClient, port)
	}
	return m
}

func (m *Manager) launchEngine(port int) (*exec.Cmd, error) {
	args := append([]string{}, m.cfg.EngineArgs...)
	args = append(args, "--cmd", fmt.Sprintf("remotecontrol rest start port %d", port))
	cmd := exec.Command(m.cfg.EngineBinary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Spawn launches an engine instance for the session and registers it once its
// control endpoint answers. An empty sessionID gets a generated one.
func (m *Manager) Spawn(ctx context.Context, sessionID string) (models.EngineProcess, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if _, exists := m.registry.get(sessionID); exists {
		return models.EngineProcess{}, fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}

	port, err := m.ports.Allocate()
	if err != nil {
		telemetry.SpawnFailures.Inc()
		return models.EngineProcess{}, err
	}

	now := m.nowFn()
	p := &process{
		id:         sessionID,
		port:       port,
		status:     models.ProcessStarting,
		createdAt:  now,
		lastActive: now,
		waitDone:   make(chan struct{}),
	}
	if !m.registry.put(p) {
		m.ports.Release(port)
		return models.EngineProcess{}, fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}

	cmd, err := m.startCmd(port)
	if err != nil {
		m.registry.remove(sessionID)
		m.ports.Release(port)
		telemetry.SpawnFailures.Inc()
		m.publish(events.TypeEngineError, sessionID, map[string]any{"error": err.Error()})
		return models.EngineProcess{}, fmt.Errorf("%w: launch %s: %v", ErrProcessStartFailure, m.cfg.EngineBinary, err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()
	go m.watch(p)

	if err := m.awaitReachable(ctx, port); err != nil {
		p.setStatus(models.ProcessError)
		m.kill(p)
		m.registry.remove(sessionID)
		m.ports.Release(port)
		telemetry.SpawnFailures.Inc()
		m.publish(events.TypeEngineError, sessionID, map[string]any{"error": err.Error()})
		return models.EngineProcess{}, fmt.Errorf("%w: control endpoint on port %d: %v", ErrProcessStartFailure, port, err)
	}

	p.setStatus(models.ProcessRunning)
	telemetry.ProcessGauge.Set(float64(m.registry.size()))
	m.publish(events.TypeEngineStarted, sessionID, map[string]any{"port": port})
	log.Printf("engine: spawned process for session %s on port %d", sessionID, port)
	return p.snapshot(), nil
}

// awaitReachable polls the control endpoint with exponential backoff until the
// startup timeout elapses.
func (m *Manager) awaitReachable(ctx context.Context, port int) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.EngineStartupTimeout)
	defer cancel()

	client := m.newClient(port)
	delay := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		probe, cancelProbe := context.WithTimeout(ctx, 2*time.Second)
		err := client.ping(probe)
		cancelProbe()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("not reachable after %d attempts: %w", attempt, err)
		case <-time.After(delay):
		}
		if delay < 2*time.Second {
			delay *= 2
		}
	}
}

// watch reaps the OS process when it exits. An exit while still registered
// means the engine died underneath us.
func (m *Manager) watch(p *process) {
	p.mu.RLock()
	cmd := p.cmd
	p.mu.RUnlock()
	if cmd == nil {
		return
	}
	err := cmd.Wait()
	close(p.waitDone)
	if _, stillRegistered := m.registry.get(p.id); stillRegistered {
		p.setStatus(models.ProcessError)
		detail := "engine process exited"
		if err != nil {
			detail = fmt.Sprintf("engine process exited: %v", err)
		}
		log.Printf("engine: session %s: %s", p.id, detail)
		m.publish(events.TypeEngineError, p.id, map[string]any{"error": detail})
	}
}

// Get returns the registry view for a session.
func (m *Manager) Get(sessionID string) (models.EngineProcess, bool) {
	p, ok := m.registry.get(sessionID)
	if !ok {
		return models.EngineProcess{}, false
	}
	return p.snapshot(), true
}

// List returns snapshots of every registered process.
func (m *Manager) List() []models.EngineProcess {
	procs := m.registry.list()
	out := make([]models.EngineProcess, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.snapshot())
	}
	return out
}

// SendCommand forwards a command to the session's engine and touches its
// activity clock. Unknown session, unreachable process, and engine-rejected
// command are three distinct outcomes.
func (m *Manager) SendCommand(ctx context.Context, sessionID, command string) (models.CommandResult, error) {
	p, ok := m.registry.get(sessionID)
	if !ok {
		return models.CommandResult{}, fmt.Errorf("%w: %s", ErrProcessNotFound, sessionID)
	}

	p.touch(m.nowFn())
	p.setStatus(models.ProcessBusy)
	client := m.newClient(p.port)
	result, err := client.run(ctx, command)
	// A timeout leaves the process running: the engine side may still be
	// working and the outcome is unknown.
	p.clearBusy()
	if err != nil {
		return models.CommandResult{}, err
	}
	return result, nil
}

// Terminate shuts the session's engine down, escalating to a forced kill
// after the grace period. Returns false for unknown sessions.
func (m *Manager) Terminate(sessionID string) bool {
	p, ok := m.registry.remove(sessionID)
	if !ok {
		return false
	}

	m.kill(p)
	p.setStatus(models.ProcessTerminated)
	// Port released only after the process is confirmed gone.
	m.ports.Release(p.port)
	telemetry.ProcessGauge.Set(float64(m.registry.size()))
	m.publish(events.TypeEngineTerminated, sessionID, nil)
	log.Printf("engine: terminated process for session %s", sessionID)
	return true
}

// kill sends SIGTERM, waits the grace period, then SIGKILLs the process
// group. Blocks until the process is confirmed dead.
func (m *Manager) kill(p *process) {
	p.mu.RLock()
	cmd := p.cmd
	p.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.waitDone:
		return
	case <-time.After(m.cfg.TerminateGrace):
	}

	// Negative pid kills the whole process group.
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	select {
	case <-p.waitDone:
	case <-time.After(m.cfg.TerminateGrace):
		log.Printf("engine: session %s did not confirm exit after SIGKILL", p.id)
	}
}

// ReapIdle terminates every process idle longer than timeout and returns how
// many were reclaimed.
func (m *Manager) ReapIdle(timeout time.Duration) int {
	now := m.nowFn()
	reaped := 0
	for _, p := range m.registry.list() {
		if p.snapshot().IdleFor(now) > timeout {
			if m.Terminate(p.id) {
				reaped++
			}
		}
	}
	if reaped > 0 {
		telemetry.ProcessesReaped.Add(float64(reaped))
		log.Printf("engine: reaped %d idle process(es)", reaped)
	}
	return reaped
}

// RunReaper sweeps for idle processes on a fixed interval until ctx ends.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReapIdle(m.cfg.EngineIdleTimeout)
		}
	}
}

// Shutdown terminates every registered process.
func (m *Manager) Shutdown() {
	for _, p := range m.registry.list() {
		m.Terminate(p.id)
	}
}

func (m *Manager) publish(msgType, sessionID string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.New(msgType, events.PriorityHigh, sessionID, payload))
}
