package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xiaot623/gogo/chatcore/internal/adapter/llm"
	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/ratelimit"
)

// SendMessage starts an exchange on the session named in req, creating the
// session when it does not exist yet. It returns once the user message and
// the assistant placeholder are in place and admission has been decided;
// streaming continues in the background. The session lock is held until the
// exchange is terminal.
func (s *Service) SendMessage(ctx context.Context, identity domain.Identity, req domain.SendRequest) (*Exchange, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, domain.NewValidationError("text", "message is empty")
	}
	if s.cfg.MaxMessageChars > 0 && utf8.RuneCountInString(req.Text) > s.cfg.MaxMessageChars {
		return nil, domain.NewValidationError("text", fmt.Sprintf("message exceeds %d characters", s.cfg.MaxMessageChars))
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = domain.NewSessionID()
	}
	if l := s.live.get(sessionID); l != nil && l.visibleTo(identity) && l.streaming() {
		return nil, domain.NewValidationError("session_id", "a response is already streaming")
	}

	lease, err := s.locker.Acquire(ctx, sessionID, identity.ID)
	if err != nil {
		return nil, err
	}
	lease.KeepAlive(s.cfg.LockCeiling / 3)

	prefs := s.preferences(ctx, identity)
	var (
		l  *liveSession
		ex *Exchange
	)
	for attempt := 0; ex == nil; attempt++ {
		if attempt == attachAttempts {
			lease.Release()
			return nil, domain.ErrSessionBusy
		}
		l, err = s.openLive(ctx, identity, sessionID, true)
		if err != nil {
			lease.Release()
			return nil, err
		}
		if l.streaming() {
			lease.Release()
			return nil, domain.NewValidationError("session_id", "a response is already streaming")
		}
		if !l.snapshot().Active {
			lease.Release()
			return nil, domain.NewValidationError("session_id", "session has ended")
		}

		model := req.Model
		if model == "" {
			model = l.snapshot().Model
		}
		if model == "" {
			model = s.defaultModel(prefs)
		}

		candidate := newExchange(s, l, identity, prefs, lease, model)
		// Eviction may have dropped l after openLive returned it.
		if !s.live.attach(l, candidate) {
			candidate.discard()
			continue
		}
		ex = candidate
	}
	model := ex.model
	s.touch(ctx, l, identity)

	// optimistic update
	ex.setState(domain.StateOptimisticUpdate)
	now := s.now()
	userMsg := domain.Message{
		ID:          domain.NewMessageID(),
		Role:        domain.RoleUser,
		Content:     req.Text,
		Attachments: req.Attachments,
		CreatedAt:   now,
	}
	placeholder := domain.Message{
		ID:        ex.MessageID,
		Role:      domain.RoleAssistant,
		Metadata:  domain.MessageMetadata{Thinking: true, Model: model},
		CreatedAt: now,
	}
	l.update(func(sess *domain.Session) {
		sess.Messages = append(sess.Messages, userMsg, placeholder)
		sess.Model = model
		sess.UpdatedAt = now
	})
	l.setDirty(true)
	ex.emit(domain.MessageDelta{
		Type:     domain.DeltaSnapshot,
		Messages: []domain.Message{userMsg.Clone(), placeholder},
	})

	ex.setState(domain.StateAdmitting)
	ex.admission = s.limiter.AdmitClass(ctx, ratelimit.ClassChat, identity)

	go ex.run(ex.admission.Err())
	return ex, nil
}

// openLive returns the live session, loading it from the session store or
// creating it when create is set.
func (s *Service) openLive(ctx context.Context, identity domain.Identity, sessionID string, create bool) (*liveSession, error) {
	if l := s.live.get(sessionID); l != nil {
		if !l.visibleTo(identity) {
			return nil, domain.ErrNotFound
		}
		return l, nil
	}

	if !identity.Anonymous {
		sess, err := s.sessions.Get(ctx, sessionID, identity.ID)
		if err == nil {
			return s.register(identity, sess)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if !create {
			return nil, domain.ErrNotFound
		}
		if err := s.sessions.Claimable(ctx, sessionID, identity.ID); err != nil {
			return nil, err
		}
	} else if !create {
		return nil, domain.ErrNotFound
	}

	prefs := s.preferences(ctx, identity)
	return s.register(identity, s.newSession(sessionID, identity, s.defaultModel(prefs), ""))
}

func (s *Service) register(identity domain.Identity, sess *domain.Session) (*liveSession, error) {
	l := &liveSession{id: sess.ID, creator: identity.ID, session: sess, lastActive: s.now()}
	got := s.live.putIfAbsent(l)
	if !got.visibleTo(identity) {
		return nil, domain.ErrNotFound
	}
	return got, nil
}

// CancelExchange cancels the exchange streaming on sessionID, if any.
func (s *Service) CancelExchange(ctx context.Context, identity domain.Identity, sessionID string) error {
	l := s.live.get(sessionID)
	if l == nil || !l.visibleTo(identity) {
		return domain.ErrNotFound
	}
	if ex := l.currentExchange(); ex != nil {
		ex.Cancel()
	}
	return nil
}

func (e *Exchange) run(admissionErr error) {
	defer e.finish()

	if admissionErr != nil {
		e.deny(admissionErr)
		return
	}

	res, err := e.stream()
	if err != nil {
		e.abort(err)
		return
	}
	e.commit(res)
}

type streamResult struct {
	usage *llm.Usage
	model string
}

func (e *Exchange) stream() (streamResult, error) {
	s := e.svc
	res := streamResult{model: e.model}
	e.setState(domain.StateStreaming)

	if err := s.streams.Acquire(e.ctx, 1); err != nil {
		return res, &domain.TransportError{Cause: err}
	}
	defer s.streams.Release(1)
	s.metrics.StreamStarted()
	defer s.metrics.StreamFinished()

	msgs := s.prompt.Build(e.live.snapshot(), e.prefs)

	streamCtx := e.ctx
	if s.cfg.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(e.ctx, s.cfg.InferenceTimeout)
		defer cancel()
	}

	ch, err := s.provider.Stream(streamCtx, &llm.Request{Model: e.model, Messages: msgs})
	if err != nil {
		if ctxErr := e.streamErr(streamCtx); ctxErr != nil {
			err = ctxErr
		}
		return res, &domain.TransportError{Cause: err}
	}

	for {
		select {
		case c, ok := <-ch:
			if !ok {
				if ctxErr := e.streamErr(streamCtx); ctxErr != nil {
					return res, &domain.TransportError{Cause: ctxErr}
				}
				return res, &domain.TransportError{Cause: fmt.Errorf("stream closed before completion: %w", io.ErrUnexpectedEOF)}
			}
			if c.Model != "" {
				res.model = c.Model
			}
			if c.Usage != nil {
				res.usage = c.Usage
			}
			if c.Err != nil {
				if ctxErr := e.streamErr(streamCtx); ctxErr != nil {
					return res, &domain.TransportError{Cause: ctxErr}
				}
				return res, &domain.TransportError{Cause: c.Err}
			}
			if c.Content != "" {
				e.clearThinking()
				e.appendContent(c.Content)
			}
			if c.Done {
				return res, nil
			}
		case <-streamCtx.Done():
			return res, &domain.TransportError{Cause: e.streamErr(streamCtx)}
		}
	}
}

// streamErr distinguishes cancellation from the inference timeout.
func (e *Exchange) streamErr(streamCtx context.Context) error {
	if errors.Is(e.ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	return streamCtx.Err()
}

func (e *Exchange) appendContent(chunk string) {
	e.live.update(func(sess *domain.Session) {
		if i := sess.Find(e.MessageID); i >= 0 {
			sess.Messages[i].Content += chunk
		}
	})
	e.emit(domain.MessageDelta{Type: domain.DeltaContent, Content: chunk})
}

// clearThinking clears the placeholder's thinking flag once, no earlier
// than MinThinking after the exchange started.
func (e *Exchange) clearThinking() {
	cleared := false
	e.live.update(func(sess *domain.Session) {
		if i := sess.Find(e.MessageID); i >= 0 {
			cleared = !sess.Messages[i].Metadata.Thinking
		}
	})
	if cleared {
		return
	}

	if wait := e.svc.cfg.MinThinking - e.svc.now().Sub(e.started); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-e.ctx.Done():
		}
		t.Stop()
	}

	e.live.update(func(sess *domain.Session) {
		if i := sess.Find(e.MessageID); i >= 0 {
			sess.Messages[i].Metadata.Thinking = false
		}
	})
	e.emit(domain.MessageDelta{Type: domain.DeltaThinking})
}

// deny turns the placeholder into a visible error message.
func (e *Exchange) deny(err error) {
	retryAfter := e.admission.RetryAfter.Round(time.Second)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	text := fmt.Sprintf("You have reached the message limit. Please try again in %s.", retryAfter)

	var final domain.Message
	e.live.update(func(sess *domain.Session) {
		if i := sess.Find(e.MessageID); i >= 0 {
			m := &sess.Messages[i]
			m.Content = text
			m.Metadata.Thinking = false
			m.Metadata.Error = true
			final = m.Clone()
		}
	})
	e.setMessage(final)
	e.emit(domain.MessageDelta{Type: domain.DeltaMessage, Message: &final})
	e.persistBestEffort()
	e.terminate(domain.StateFailed, err)
}

// abort keeps whatever content arrived. Cancelled, timed out and cut-off
// streams get the truncation marker; a failure before any content turns the
// placeholder into an error message.
func (e *Exchange) abort(err error) {
	interrupted := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)

	var final domain.Message
	e.live.update(func(sess *domain.Session) {
		i := sess.Find(e.MessageID)
		if i < 0 {
			return
		}
		m := &sess.Messages[i]
		m.Metadata.Thinking = false
		m.Metadata.ProcessingTimeMs = e.svc.now().Sub(e.started).Milliseconds()
		switch {
		case m.Content == "" && !interrupted:
			m.Content = "Sorry, something went wrong while generating a response. Please try again."
			m.Metadata.Error = true
		case m.Content == "":
			m.Content = strings.TrimSpace(domain.TruncationMarker)
			m.Metadata.Truncated = true
		default:
			m.Content += domain.TruncationMarker
			m.Metadata.Truncated = true
		}
		final = m.Clone()
	})
	e.setMessage(final)
	e.emit(domain.MessageDelta{Type: domain.DeltaMessage, Message: &final})
	e.persistBestEffort()
	e.terminate(domain.StateFailed, err)
}

func (e *Exchange) commit(res streamResult) {
	s := e.svc
	e.setState(domain.StateReconciling)
	e.clearThinking()

	e.setState(domain.StateFinalizing)
	var final domain.Message
	e.live.update(func(sess *domain.Session) {
		i := sess.Find(e.MessageID)
		if i < 0 {
			return
		}
		m := &sess.Messages[i]
		m.Metadata.Model = res.model
		m.Metadata.ProcessingTimeMs = s.now().Sub(e.started).Milliseconds()
		if res.usage != nil && res.usage.CompletionTokens > 0 {
			m.Metadata.TokenCount = res.usage.CompletionTokens
		} else {
			m.Metadata.TokenCount = s.prompt.Counter().Count(m.Content)
		}
		m.Metadata.Artifacts = DetectArtifacts(m.Content)
		if sess.Title == "" || sess.Title == domain.DefaultTitle {
			sess.Title = domain.GenerateTitle(sess.FirstUserMessage())
		}
		sess.UpdatedAt = s.now()
		final = m.Clone()
	})
	e.setMessage(final)
	e.emit(domain.MessageDelta{Type: domain.DeltaMessage, Message: &final})

	if err := e.persist(); err != nil {
		e.emit(domain.MessageDelta{Type: domain.DeltaWarning, Error: domain.ToErrorBody(err)})
		e.terminate(domain.StateFailed, err)
		return
	}
	e.terminate(domain.StateCommitted, nil)
}

// persist writes the session through the retry policy. Anonymous sessions
// stay in memory.
func (e *Exchange) persist() error {
	snap := e.live.snapshot()
	if snap.Anonymous() {
		e.live.setDirty(false)
		return nil
	}
	if err := e.svc.persister.Persist(context.Background(), snap); err != nil {
		e.live.setDirty(true)
		return err
	}
	e.live.setDirty(false)
	return nil
}

func (e *Exchange) persistBestEffort() {
	if err := e.persist(); err != nil {
		e.svc.logger.Warn("failed to persist session after failed exchange",
			"session_id", e.SessionID, "error", err)
	}
}

func (e *Exchange) setMessage(m domain.Message) {
	e.mu.Lock()
	e.message = &m
	e.mu.Unlock()
}

func (e *Exchange) finish() {
	s := e.svc
	state := e.State()
	err := e.Err()

	e.cancel()
	e.live.clearExchange(e)
	e.lease.Release()

	s.metrics.ExchangeFinished(string(state), domain.Code(err), s.now().Sub(e.started))
	log := s.logger.With("session_id", e.SessionID, "exchange_id", e.ID, "state", state)
	if err != nil {
		log.Info("exchange finished", "error", err)
	} else {
		log.Info("exchange finished")
	}

	s.publish(domain.Event{Type: domain.EventSessionUpdated, SessionID: e.SessionID, Session: e.live.snapshot()})
	e.live.markActive(s.now())
	s.timers.Arm(e.SessionID, s.idleTimeout(e.prefs))

	e.closeDeltas()
	close(e.done)
}
