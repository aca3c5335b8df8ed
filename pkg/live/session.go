package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gabrielmiguelok/livewizard/pkg/logging"
	"github.com/gabrielmiguelok/livewizard/pkg/protocol"
	"github.com/gabrielmiguelok/livewizard/pkg/state"
	"github.com/gabrielmiguelok/livewizard/pkg/tracing"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

// Join errors, sent back as the reason of the join reply.
var (
	ErrJoinExpected  = errors.New("first message must be a join")
	ErrUnknownWizard = errors.New("unknown wizard")
)

// session is one websocket connection bound to one component.
type session struct {
	h      *Handler
	conn   *websocket.Conn
	codec  protocol.Codec
	logger logging.Logger

	id     string
	comp   Component
	router *protocol.Router

	sendCh chan *protocol.Message
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	lastStatus wizard.Status
	reason     TerminateReason
}

func newSession(h *Handler, conn *websocket.Conn, codec protocol.Codec) *session {
	return &session{
		h:      h,
		conn:   conn,
		codec:  codec,
		logger: h.logger,
		sendCh: make(chan *protocol.Message, 32),
		reason: TerminateDropped,
	}
}

// run serves the connection until it closes.
func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	defer cancel()

	go s.writeLoop(ctx)
	go s.pingLoop(ctx)

	if err := s.join(ctx); err != nil {
		s.logger.Warn("join failed", logging.Err(err))
		s.flush()
		s.conn.Close(websocket.StatusPolicyViolation, truncateReason(err.Error()))
		return
	}

	s.h.track(s)
	defer s.h.untrack(s)

	s.readLoop(ctx)
	s.terminate()
}

// join waits for the join message, mounts the component and replies.
func (s *session) join(ctx context.Context) error {
	joinCtx, cancel := context.WithTimeout(ctx, s.h.cfg.JoinTimeout)
	defer cancel()

	msg, err := s.read(joinCtx)
	if err != nil {
		return err
	}
	if msg.Type != protocol.MsgJoin {
		s.send(ctx, protocol.ErrorReply(msg.Ref, "", ErrJoinExpected.Error()))
		return ErrJoinExpected
	}

	wizardID := msg.GetPayloadString("wizard")
	def, ok := s.h.cfg.Definitions.Get(wizardID)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownWizard, wizardID)
		s.send(ctx, protocol.ErrorReply(msg.Ref, "", err.Error()))
		return err
	}

	params := Params{SessionID: uuid.NewString(), OnChange: s.changed}
	if msg.Session != "" {
		if sess := s.resume(ctx, msg.Session, wizardID); sess != nil {
			params.SessionID = sess.SessionID
			params.Resume = &sess.Snapshot
		}
	}
	s.id = params.SessionID
	s.logger = s.logger.With(logging.Session(s.id), logging.String("definition", wizardID))

	comp := s.h.cfg.NewComponent(def, s.h.submitFor(def), s.h.logger)
	if err := comp.Mount(ctx, params); err != nil {
		s.send(ctx, protocol.ErrorReply(msg.Ref, "", err.Error()))
		return err
	}
	s.comp = comp
	s.router = s.newRouter()
	s.lastStatus = comp.State().Status

	s.logger.Info("session joined", logging.Bool("resumed", params.Resume != nil))
	s.send(ctx, protocol.OkReply(msg.Ref, s.id, "", comp.State()))
	return nil
}

// resume returns the saved session when it belongs to wizardID.
func (s *session) resume(ctx context.Context, sessionID, wizardID string) *state.Session {
	if s.h.cfg.Sessions == nil {
		return nil
	}
	sess, err := s.h.cfg.Sessions.Take(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, state.ErrKeyNotFound) {
			s.logger.Warn("session lookup failed", logging.Session(sessionID), logging.Err(err))
		}
		return nil
	}
	if sess.WizardID != wizardID {
		s.logger.Warn("session belongs to another wizard", logging.Session(sessionID), logging.String("definition", sess.WizardID))
		return nil
	}
	return sess
}

func (s *session) newRouter() *protocol.Router {
	r := protocol.NewRouter()
	r.Use(protocol.LoggingMiddleware(s.logger))
	r.Use(protocol.RecoveryMiddleware(func(v any) {
		s.logger.Error("event handler panicked", logging.Any("panic", v))
	}))
	for _, event := range []string{
		protocol.EventSetField,
		protocol.EventAdvance,
		protocol.EventRetreat,
		protocol.EventJump,
		protocol.EventReset,
	} {
		r.OnFunc(event, s.handleEvent)
	}
	r.OnFunc(protocol.EventSubmit, s.handleSubmit)
	return r
}

func (s *session) readLoop(ctx context.Context) {
	for {
		msg, err := s.read(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidMessage) {
				s.send(ctx, protocol.ErrorMessage(s.id, err.Error()))
				continue
			}
			if s.h.closing() {
				s.setReason(TerminateShutdown)
			}
			s.logger.Debug("connection closed", logging.Err(err))
			return
		}

		switch msg.Type {
		case protocol.MsgHeartbeat:
			s.send(ctx, protocol.HeartbeatMessage().WithRef(msg.Ref))
		case protocol.MsgLeave:
			s.setReason(TerminateNormal)
			s.flush()
			s.conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case protocol.MsgEvent:
			if err := s.h.events.Check(s.id); err != nil {
				s.send(ctx, s.reply(msg.Ref, "", err))
				continue
			}
			reply, err := s.router.HandleMessage(ctx, msg)
			if err != nil {
				reply = s.reply(msg.Ref, "", err)
			}
			if reply != nil {
				s.send(ctx, reply)
			}
		default:
			s.send(ctx, protocol.ErrorReply(msg.Ref, s.id, fmt.Sprintf("unexpected %s message", msg.Type)))
		}
	}
}

func (s *session) handleEvent(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	ctx, span := s.h.tracer.StartSpan(ctx, "live.event",
		tracing.WithTag("wizard.id", s.comp.Name()),
		tracing.WithTag("live.event", msg.Event),
		tracing.WithTag("live.session", s.id),
	)
	defer span.End()

	outcome, err := s.comp.HandleEvent(ctx, msg.Event, msg.Payload)
	if err != nil {
		tracing.RecordError(span, err)
	} else {
		tracing.SetOK(span)
	}
	return s.reply(msg.Ref, outcome, err), nil
}

// handleSubmit advances inline before the last step. On the last step the
// submission runs in the background while the connection keeps reading. A
// second submit meanwhile gets an ignored outcome; a leave unmounts the
// wizard and the late result is dropped.
func (s *session) handleSubmit(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if st := s.state(); st.CurrentStep < st.TotalSteps {
		return s.handleEvent(ctx, msg)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reply, _ := s.handleEvent(ctx, msg)
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		s.send(ctx, reply)
	}()
	return nil, nil
}

func (s *session) reply(ref string, outcome wizard.Outcome, err error) *protocol.Message {
	if err == nil {
		return protocol.OkReply(ref, s.id, outcome, s.state())
	}
	reason := err.Error()
	var rejection *wizard.SubmissionError
	if errors.As(err, &rejection) {
		reason = rejection.Message
	}
	m := protocol.ErrorReply(ref, s.id, reason).WithState(s.state())
	m.Outcome = string(outcome)
	return m
}

func (s *session) state() wizard.State {
	if s.comp == nil {
		return wizard.State{}
	}
	return s.comp.State()
}

// changed pushes status transitions, such as the start of a submission,
// that no reply reports yet.
func (s *session) changed(st wizard.State) {
	s.mu.Lock()
	if st.Status == s.lastStatus {
		s.mu.Unlock()
		return
	}
	s.lastStatus = st.Status
	s.mu.Unlock()

	select {
	case s.sendCh <- protocol.StateMessage(s.id, st):
	default:
		s.logger.Debug("state push dropped, send buffer full")
	}
}

// terminate saves a resumable session and destroys the component. A dropped
// connection first waits up to SubmitWait for an in-flight submission, so
// the session is kept only when the sink has not accepted the values.
func (s *session) terminate() {
	s.mu.Lock()
	reason := s.reason
	s.mu.Unlock()

	store := s.h.cfg.Sessions
	if store != nil && reason.Resumable() && !s.settle(s.h.cfg.SubmitWait) {
		s.logger.Warn("submission still running, session not kept")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.h.cfg.WriteTimeout)
	defer cancel()

	if store != nil {
		switch st := s.comp.State(); {
		case reason.Resumable() && st.Status != wizard.StatusSubmitted && st.Status != wizard.StatusSubmitting:
			if err := store.Save(ctx, s.id, s.comp.Name(), s.comp.Snapshot()); err != nil {
				s.logger.Warn("session save failed", logging.Err(err))
			}
		default:
			if err := store.Delete(ctx, s.id); err != nil {
				s.logger.Warn("session delete failed", logging.Err(err))
			}
		}
	}

	if err := s.comp.Terminate(ctx, reason); err != nil {
		s.logger.Warn("terminate failed", logging.Err(err))
	}
	s.h.events.Forget(s.id)
	s.cancel()
	s.wg.Wait()
	s.logger.Info("session ended", logging.String("reason", reason.String()))
}

// settle waits for background submissions to finish. It reports false when
// one is still running after timeout.
func (s *session) settle(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (s *session) setReason(r TerminateReason) {
	s.mu.Lock()
	s.reason = r
	s.mu.Unlock()
}

func (s *session) read(ctx context.Context) (*protocol.Message, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return s.codec.Decode(data)
}

// send queues msg for the writer. It gives up when ctx is done.
func (s *session) send(ctx context.Context, msg *protocol.Message) {
	select {
	case s.sendCh <- msg:
	case <-ctx.Done():
	}
}

// flush waits briefly for queued messages to be written.
func (s *session) flush() {
	deadline := time.Now().Add(s.h.cfg.WriteTimeout)
	for len(s.sendCh) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *session) writeLoop(ctx context.Context) {
	kind := websocket.MessageText
	if s.codec.Binary() {
		kind = websocket.MessageBinary
	}
	for {
		select {
		case msg := <-s.sendCh:
			data, err := s.codec.Encode(msg)
			if err != nil {
				s.logger.Error("encode failed", logging.String("event", msg.Event), logging.Err(err))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, s.h.cfg.WriteTimeout)
			err = s.conn.Write(wctx, kind, data)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) pingLoop(ctx context.Context) {
	if s.h.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.h.cfg.WriteTimeout)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// truncateReason keeps close reasons within the 123 bytes a close frame allows.
func truncateReason(reason string) string {
	if len(reason) > 120 {
		return reason[:120]
	}
	return reason
}
