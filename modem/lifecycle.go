package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/looplab/fsm"

	"i4.energy/across/smartgsm/at"
)

// Lifecycle states. A failing stage moves to FailedState(stage), which is
// terminal.
const (
	StateClosed             = "closed"
	StateOpening            = "opening"
	StateInitializing       = "initializing"
	StateConfiguringStorage = "configuring_storage"
	StateSettingMode        = "setting_mode"
	StateReady              = "ready"
)

const (
	eventFail  = "fail"
	eventReady = "ready"
	eventClose = "close"
)

// FailedState names the state entered when stage fails.
func FailedState(stage string) string {
	return stage + "_failed"
}

type stage struct {
	event string
	state string
	run   func(*Modem, context.Context) error
}

var stages = []stage{
	{event: "open", state: StateOpening, run: (*Modem).open},
	{event: "initialize", state: StateInitializing, run: (*Modem).initialize},
	{event: "configure_storage", state: StateConfiguringStorage, run: (*Modem).configureStorage},
	{event: "set_mode", state: StateSettingMode, run: (*Modem).setMode},
}

type lifecycle struct {
	fsm    *fsm.FSM
	logger *slog.Logger
}

func newLifecycle(logger *slog.Logger, metrics *Metrics) *lifecycle {
	var events fsm.Events
	src := StateClosed
	for _, s := range stages {
		events = append(events,
			fsm.EventDesc{Name: s.event, Src: []string{src}, Dst: s.state},
			fsm.EventDesc{Name: eventFail, Src: []string{s.state}, Dst: FailedState(s.state)},
		)
		src = s.state
	}
	events = append(events,
		fsm.EventDesc{Name: eventReady, Src: []string{src}, Dst: StateReady},
		fsm.EventDesc{Name: eventClose, Src: []string{StateReady}, Dst: StateClosed},
	)

	return &lifecycle{
		logger: logger,
		fsm: fsm.NewFSM(StateClosed, events, fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Info("modem state changed", "from", e.Src, "to", e.Dst)
				metrics.entered(e.Dst)
			},
		}),
	}
}

// run walks the stages in order. The stage error, wrapped in
// ErrInitialization, is returned as soon as one fails.
func (l *lifecycle) run(ctx context.Context, m *Modem) error {
	// Transitions must happen even once ctx has expired, so a timed out
	// stage still lands in its failed state.
	fsmCtx := context.WithoutCancel(ctx)

	for _, s := range stages {
		if err := l.fsm.Event(fsmCtx, s.event); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInitialization, s.state, err)
		}
		if err := s.run(m, ctx); err != nil {
			if ferr := l.fsm.Event(fsmCtx, eventFail); ferr != nil {
				l.logger.Error("could not record stage failure", "stage", s.state, "error", ferr)
			}
			return fmt.Errorf("%w: %s: %w", ErrInitialization, s.state, err)
		}
	}
	if err := l.fsm.Event(fsmCtx, eventReady); err != nil {
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}
	return nil
}

func (l *lifecycle) close() {
	if !l.fsm.Is(StateReady) {
		return
	}
	if err := l.fsm.Event(context.Background(), eventClose); err != nil {
		l.logger.Error("could not record close", "error", err)
	}
}

func (l *lifecycle) current() string {
	return l.fsm.Current()
}

func (l *lifecycle) is(state string) bool {
	return l.fsm.Is(state)
}

// open dials the transport and starts the event loop.
func (m *Modem) open(ctx context.Context) error {
	transport, err := m.config.Dialer.Dial(ctx)
	if err != nil {
		if errors.Is(err, ErrTransportOpen) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrTransportOpen, err)
	}
	if transport == nil {
		return fmt.Errorf("%w: dialer returned no transport", ErrNotInitialized)
	}
	m.transport = transport
	m.startLoop()
	return nil
}

// initialize brings the modem into a known state: responsive, echo off,
// verbose errors, SIM unlocked and indications configured.
func (m *Modem) initialize(ctx context.Context) error {
	if err := m.expectOK(ctx, at.CmdAt); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}
	if err := m.expectOK(ctx, at.CmdEchoOff); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}
	if err := m.expectOK(ctx, at.CmdVerboseErrors); err != nil {
		return fmt.Errorf("could not enable verbose errors: %w", err)
	}
	if err := m.unlockSIM(ctx); err != nil {
		return err
	}
	if m.config.SMSIndication && m.config.NotifyConfig != "" {
		if err := m.expectOK(ctx, m.config.NotifyConfig); err != nil {
			return fmt.Errorf("could not configure message indications: %w", err)
		}
	}
	if m.config.CallIndication {
		if err := m.expectOK(ctx, at.CmdCallerID); err != nil {
			return fmt.Errorf("could not enable caller id: %w", err)
		}
	}
	if m.config.CustomInit != "" {
		if err := m.expectOK(ctx, m.config.CustomInit); err != nil {
			return fmt.Errorf("custom init command failed: %w", err)
		}
	}
	return nil
}

func (m *Modem) configureStorage(ctx context.Context) error {
	if err := m.expectOK(ctx, at.CmdSimStorage); err != nil {
		return fmt.Errorf("could not select SIM message storage: %w", err)
	}
	return nil
}

func (m *Modem) setMode(ctx context.Context) error {
	return m.applyMode(ctx, ModePDU)
}

func (m *Modem) unlockSIM(ctx context.Context) error {
	resp, err := m.exec(ctx, at.CmdSimStatus)
	if err != nil {
		return fmt.Errorf("could not query SIM status: %w", err)
	}

	switch {
	case strings.Contains(resp, at.SimReady):
		return nil
	case strings.Contains(resp, at.SimPin):
		if m.config.SimPIN == "" {
			return ErrSIMPinRequired
		}
		if err := m.expectOK(ctx, at.EnterPIN(m.config.SimPIN)); err != nil {
			return fmt.Errorf("could not enter SIM PIN: %w", err)
		}
		return m.waitForSIMReady(ctx)
	default:
		return fmt.Errorf("unexpected SIM status: %s", resp)
	}
}

// waitForSIMReady polls the SIM status until it reports READY.
func (m *Modem) waitForSIMReady(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		resp, err := m.exec(ctx, at.CmdSimStatus)
		if err == nil && strings.Contains(resp, at.SimReady) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("SIM not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// expectOK runs cmd and requires a final OK.
func (m *Modem) expectOK(ctx context.Context, cmd string) error {
	resp, err := m.exec(ctx, cmd)
	if err != nil {
		return err
	}
	if !strings.Contains(resp, at.OK) {
		return fmt.Errorf("unexpected response to %q: %s", cmd, resp)
	}
	return nil
}
