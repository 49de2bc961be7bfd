package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/smartgsm/at"
)

// maxLineLength bounds a single response line. PDUs of a full concatenated
// segment stay well below it.
const maxLineLength = 16 * 1024

// Modem represents a GSM/3G/4G cellular modem that communicates via AT commands.
// It provides thread-safe access to SMS functionality and modem operations through
// a centralized event loop that handles all transport I/O.
type Modem struct {
	// transport provides the physical connection to the modem (serial, TCP, etc.)
	transport Transport
	// config contains the modem configuration settings
	config  Config
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	closed bool

	lifecycle *lifecycle
	mode      atomic.Int32

	// commands hands requests to the loop. It is unbuffered and the loop
	// only receives from it while no command is pending, so callers queue
	// here until the previous exchange is over.
	commands chan *commandRequest
	// urcChan carries unsolicited result codes, with their trailing lines,
	// from the loop to the notification worker.
	urcChan chan []string

	messages *Stream[SMS]
	calls    *Stream[IncomingCall]
	ussd     *Stream[USSDResponse]

	sendMu   sync.Mutex
	lastSend time.Time

	loopCtx     context.Context
	loopCancel  context.CancelFunc
	loopStarted bool
	loopDone    chan struct{}
	loopErr     error
}

// commandRequest represents an AT command request to be executed by the loop.
type commandRequest struct {
	// cmd is the AT command string to send to the modem
	cmd string
	// payload, when set, is written once the modem answers cmd with the
	// input prompt. The exchange then completes on the final result code.
	payload     string
	payloadSent bool
	// onData observes intermediate lines and the prompt. It runs on the
	// loop goroutine and must not block.
	onData func(line string)
	// respChan receives the command response from the loop
	respChan chan commandResponse
	// ctx provides timeout and cancellation control for the command
	ctx     context.Context
	started time.Time
}

// commandResponse contains the result of an AT command execution.
type commandResponse struct {
	// response contains the complete response text from the modem
	response string
	// err contains any error that occurred during command execution
	err error
}

// New creates a Modem with the given configuration and drives it through
// the lifecycle: the transport is dialed, the event loop started, the modem
// initialized, SIM storage selected and PDU mode set. Any failing stage
// closes the transport and New returns a nil Modem.
//
// ctx bounds the lifetime of the session: cancelling it stops the event
// loop. Initialization is additionally bounded by Config.InitTimeout.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	m := newModem(ctx, config)

	initCtx := ctx
	if config.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, config.InitTimeout)
		defer cancel()
	}

	if err := m.lifecycle.run(initCtx, m); err != nil {
		m.shutdown()
		return nil, err
	}

	go m.watch(m.loopCtx)

	return m, nil
}

func newModem(ctx context.Context, config Config) *Modem {
	logger := config.Logger.With("component", "modem")
	m := &Modem{
		config:   config,
		logger:   logger,
		metrics:  config.Metrics,
		commands: make(chan *commandRequest),
		urcChan:  make(chan []string, config.URCBuffer),
		messages: NewStream[SMS](config.StreamBuffer),
		calls:    NewStream[IncomingCall](config.StreamBuffer),
		ussd:     NewStream[USSDResponse](config.StreamBuffer),
		loopDone: make(chan struct{}),
	}
	m.lifecycle = newLifecycle(logger, config.Metrics)
	m.loopCtx, m.loopCancel = context.WithCancel(ctx)
	return m
}

// Messages returns the stream of received short messages.
func (m *Modem) Messages() *Stream[SMS] {
	return m.messages
}

// Calls returns the stream of incoming call notifications.
func (m *Modem) Calls() *Stream[IncomingCall] {
	return m.calls
}

// USSDReplies returns the stream of +CUSD replies, including network
// initiated ones.
func (m *Modem) USSDReplies() *Stream[USSDResponse] {
	return m.ussd
}

// State reports the lifecycle state.
func (m *Modem) State() string {
	return m.lifecycle.current()
}

// Done is closed when the event loop stops, either because the transport
// failed or the modem was closed. Err reports why.
func (m *Modem) Done() <-chan struct{} {
	return m.loopDone
}

// Err returns the error that stopped the event loop, or nil while it runs.
func (m *Modem) Err() error {
	select {
	case <-m.loopDone:
		return m.loopErr
	default:
		return nil
	}
}

// Close shuts down the modem and releases all resources.
// It stops the event loop, closes the transport connection, and marks
// the modem as closed. After calling Close(), the modem cannot be reused.
func (m *Modem) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	m.closed = true
	m.mu.Unlock()

	m.lifecycle.close()
	return m.shutdown()
}

func (m *Modem) shutdown() error {
	if m.loopCancel != nil {
		m.loopCancel()
	}

	var err error
	if m.transport != nil {
		err = m.transport.Close()
	}
	if m.loopStarted {
		<-m.loopDone
	}

	m.messages.Close()
	m.calls.Close()
	m.ussd.Close()
	return err
}

func (m *Modem) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ready guards the public operations.
func (m *Modem) ready() error {
	if m.isClosed() {
		return ErrAlreadyClosed
	}
	if !m.lifecycle.is(StateReady) {
		return fmt.Errorf("%w: state %s", ErrNotReady, m.lifecycle.current())
	}
	return nil
}

// Execute sends a raw AT command and returns the collected response lines
// joined by newlines. A final result code other than OK yields a
// *CommandError.
func (m *Modem) Execute(ctx context.Context, cmd string) (string, error) {
	if err := m.ready(); err != nil {
		return "", err
	}
	return m.exec(ctx, cmd)
}

// exec sends an AT command to the modem and waits for the response.
// This method coordinates with the loop to ensure thread-safe command execution.
func (m *Modem) exec(ctx context.Context, cmd string) (string, error) {
	return m.submit(ctx, &commandRequest{cmd: cmd})
}

// execPayload runs a two phase command such as AT+CMGS: payload is written
// after the prompt without releasing the pending slot.
func (m *Modem) execPayload(ctx context.Context, cmd, payload string, onData func(string)) (string, error) {
	return m.submit(ctx, &commandRequest{cmd: cmd, payload: payload, onData: onData})
}

func (m *Modem) submit(ctx context.Context, req *commandRequest) (string, error) {
	if m.isClosed() {
		return "", ErrAlreadyClosed
	}
	if m.transport == nil || !m.loopStarted {
		return "", ErrNotInitialized
	}

	// Apply per-command timeout if context has none
	if _, ok := ctx.Deadline(); !ok && m.config.ATTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ATTimeout)
		defer cancel()
	}

	req.ctx = ctx
	req.respChan = make(chan commandResponse, 1) // Buffered to prevent blocking

	select {
	case m.commands <- req:
	case <-m.loopDone:
		return "", m.loopFailure()
	case <-ctx.Done():
		return "", expired(req.cmd, ctx.Err())
	}

	// The loop owns the deadline from here on, so by the time an error is
	// returned the pending slot is free again.
	select {
	case resp := <-req.respChan:
		return resp.response, resp.err
	case <-m.loopDone:
		return "", m.loopFailure()
	}
}

func (m *Modem) loopFailure() error {
	if m.isClosed() || errors.Is(m.loopErr, context.Canceled) {
		return ErrAlreadyClosed
	}
	return fmt.Errorf("event loop stopped: %w", m.loopErr)
}

func expired(cmd string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %q: %w", ErrTimeout, cmd, err)
	}
	return fmt.Errorf("command %q cancelled: %w", cmd, err)
}

// startLoop launches the event loop. It is called once, by the opening
// stage of the lifecycle.
func (m *Modem) startLoop() {
	m.loopStarted = true
	go func() {
		defer close(m.loopDone)
		m.loopErr = m.loop(m.loopCtx)
		if !errors.Is(m.loopErr, context.Canceled) {
			m.logger.Error("event loop stopped", "error", m.loopErr)
		}
	}()
}

// loop is the event loop that handles all transport I/O operations. It is
// the ONLY goroutine that reads from and writes to the transport:
//
// 1. Accepts the next command request, only while none is pending
// 2. Writes AT commands (and two phase payloads) to the transport
// 3. Reads and classifies every line from the transport
// 4. Correlates results with the pending command and resolves it
// 5. Hands URCs (Unsolicited Result Codes) to the notification worker
// 6. Fails the pending command when its deadline passes
//
// The loop runs until the context is cancelled or the transport fails.
func (m *Modem) loop(ctx context.Context) error {
	scanner := bufio.NewScanner(m.transport)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)
	scanner.Split(at.Splitter)

	// Channels for tokens and errors from the scanner goroutine
	tokens := make(chan string, 10)
	scanErrs := make(chan error, 1)

	// Start goroutine to read tokens from transport
	go func() {
		defer close(tokens)
		for scanner.Scan() {
			token := scanner.Text()
			if token != "" {
				select {
				case tokens <- token:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				err = ErrLineTooLong
			}
			scanErrs <- err
		}
	}()

	d := &demux{m: m}

	for {
		// A nil channel never becomes ready: no new command is accepted
		// while one is pending, and there is no deadline when idle.
		var (
			commands <-chan *commandRequest
			deadline <-chan struct{}
		)
		if d.current == nil {
			commands = m.commands
		} else {
			deadline = d.current.ctx.Done()
		}

		select {
		case <-ctx.Done():
			d.fail(ctx.Err())
			return ctx.Err()

		case req := <-commands:
			if err := req.ctx.Err(); err != nil {
				req.respChan <- commandResponse{err: expired(req.cmd, err)}
				continue
			}
			d.current = req
			d.lines = nil
			req.started = time.Now()

			m.logger.Debug("modem tx", "command", req.cmd)
			wire := strings.TrimSpace(req.cmd) + "\r"
			if _, err := m.transport.Write([]byte(wire)); err != nil {
				d.finish("", fmt.Errorf("write command %q: %w", req.cmd, err))
			}

		case <-deadline:
			m.logger.Warn("command timed out", "command", d.current.cmd)
			d.finish(strings.Join(d.lines, "\n"), expired(d.current.cmd, d.current.ctx.Err()))

		case token, ok := <-tokens:
			if !ok {
				// Scanner stopped - an error, if any, was queued before close
				select {
				case err := <-scanErrs:
					d.fail(fmt.Errorf("read error: %w", err))
					return fmt.Errorf("scanner error: %w", err)
				default:
				}
				d.fail(io.EOF)
				return io.EOF
			}
			m.logger.Debug("modem rx", "line", token)
			d.handle(token)

		case err := <-scanErrs:
			d.fail(fmt.Errorf("read error: %w", err))
			return fmt.Errorf("scanner error: %w", err)
		}
	}
}

// demux holds the loop-local correlation state: the single pending command
// and a URC still collecting its trailing lines.
type demux struct {
	m *Modem

	current *commandRequest
	lines   []string

	urc     []string
	urcWant int
}

// handle classifies one inbound line and routes it either to the pending
// command or to the notification worker.
func (d *demux) handle(token string) {
	if d.urcWant > 0 {
		d.urc = append(d.urc, token)
		d.urcWant--
		if d.urcWant == 0 {
			d.m.dispatchURC(d.urc)
			d.urc = nil
		}
		return
	}

	// Command echo, when echo is still on
	if d.current != nil && token == strings.TrimSpace(d.current.cmd) {
		return
	}

	switch at.Classify(token) {
	case at.TypeURC:
		if n := at.TrailingLines(token); n > 0 {
			d.urc = []string{token}
			d.urcWant = n
			return
		}
		d.m.dispatchURC([]string{token})

	case at.TypeFinal:
		if d.current == nil {
			d.m.unclassified(token)
			return
		}
		d.lines = append(d.lines, token)
		response := strings.Join(d.lines, "\n")
		if at.IsSuccess(token) {
			d.finish(response, nil)
		} else {
			d.finish(response, &CommandError{
				Command:  strings.TrimSpace(d.current.cmd),
				Status:   token,
				Response: response,
			})
		}

	case at.TypeData:
		if d.current == nil {
			d.m.unclassified(token)
			return
		}
		d.lines = append(d.lines, token)
		d.observe(token)

	case at.TypePrompt:
		if d.current == nil {
			d.m.unclassified(token)
			return
		}
		d.lines = append(d.lines, token)
		d.observe(token)
		if d.current.payload != "" && !d.current.payloadSent {
			d.current.payloadSent = true
			if _, err := d.m.transport.Write([]byte(d.current.payload)); err != nil {
				d.finish(strings.Join(d.lines, "\n"), fmt.Errorf("write payload for %q: %w", d.current.cmd, err))
			}
			return
		}
		d.finish(strings.Join(d.lines, "\n"), nil)
	}
}

func (d *demux) observe(line string) {
	if d.current.onData != nil {
		d.current.onData(line)
	}
}

// finish resolves the pending command and frees the slot.
func (d *demux) finish(response string, err error) {
	req := d.current
	req.respChan <- commandResponse{response: response, err: err}
	d.m.metrics.commandDone(err, time.Since(req.started))
	d.current = nil
	d.lines = nil
}

func (d *demux) fail(err error) {
	if d.current != nil {
		d.finish(strings.Join(d.lines, "\n"), err)
	}
}

// dispatchURC hands a URC to the notification worker without blocking the
// loop. When the worker falls behind the URC is dropped.
func (m *Modem) dispatchURC(lines []string) {
	select {
	case m.urcChan <- lines:
	default:
		m.logger.Warn("URC queue full, dropping", "urc", lines[0])
		m.metrics.dropped("urc_overflow")
	}
}

func (m *Modem) unclassified(line string) {
	m.logger.Debug("dropping unclassified line", "line", line)
	m.metrics.dropped("unclassified")
}
