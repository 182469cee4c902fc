package session

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/typeguard/internal/analyzer"
	"github.com/mbd888/typeguard/internal/features"
	"github.com/mbd888/typeguard/internal/idgen"
	"github.com/mbd888/typeguard/internal/ingest"
	"github.com/mbd888/typeguard/internal/logging"
	"github.com/mbd888/typeguard/internal/metrics"
	"github.com/mbd888/typeguard/internal/risk"
	"github.com/mbd888/typeguard/internal/traces"
	"github.com/mbd888/typeguard/internal/validation"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRiskEngine classifies and audits every served score through engine.
// Without it scores are classified with risk.DefaultPolicy and not audited.
func WithRiskEngine(engine *risk.Engine) Option {
	return func(c *Coordinator) {
		c.risk = engine
		if engine != nil {
			c.policy = engine.Policy()
		}
	}
}

// WithRecorder hands a copy of every scored batch to r.
func WithRecorder(r ingest.Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithAlertNotifier pushes raised alerts to n.
func WithAlertNotifier(n AlertNotifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithAuthToken requires every connection to present token in a
// {"token": ...} handshake before any other message is accepted.
func WithAuthToken(token string) Option {
	return func(c *Coordinator) { c.authToken = token }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

type connState struct {
	sessionID     string
	authenticated bool
	subscribed    bool
}

// Coordinator owns the connection and session tables. It is safe for
// concurrent use by many connection read loops.
type Coordinator struct {
	analyzer  *analyzer.Analyzer
	risk      *risk.Engine
	policy    risk.Policy
	recorder  ingest.Recorder
	notifier  AlertNotifier
	authToken string
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	conns    map[ConnID]*connState
	sessions map[string]*Session
}

// New creates a Coordinator that dispatches to a.
func New(a *analyzer.Analyzer, opts ...Option) *Coordinator {
	c := &Coordinator{
		analyzer: a,
		policy:   risk.DefaultPolicy(),
		logger:   slog.Default(),
		now:      time.Now,
		conns:    make(map[ConnID]*connState),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect registers a new connection.
func (c *Coordinator) Connect(conn ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateLocked(conn)
}

// Disconnect forgets conn and discards the session bound to it.
func (c *Coordinator) Disconnect(conn ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.conns[conn]
	if !ok {
		return
	}
	if s, ok := c.sessions[st.sessionID]; ok && s.Conn == conn {
		delete(c.sessions, st.sessionID)
	}
	delete(c.conns, conn)
	metrics.ActiveSessions.Set(float64(len(c.sessions)))
}

// Session returns a copy of the session with the given ID.
func (c *Coordinator) Session(id string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SessionFor returns a copy of the session bound to conn.
func (c *Coordinator) SessionFor(conn ConnID) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.conns[conn]
	if !ok || st.sessionID == "" {
		return Session{}, false
	}
	s, ok := c.sessions[st.sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SessionCount returns the number of live sessions.
func (c *Coordinator) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Subscribed reports whether conn asked for risk alert pushes.
func (c *Coordinator) Subscribed(conn ConnID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.conns[conn]
	return ok && st.subscribed
}

// Handle processes one raw client message and returns the reply. It never
// returns nil and never panics.
func (c *Coordinator) Handle(ctx context.Context, conn ConnID, raw []byte) (out *Outbound) {
	label := "invalid"
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic handling message", "conn", string(conn), "panic", fmt.Sprint(r))
			out = ErrorReply(InternalErrorMessage)
		}
		result := "ok"
		if out.Type == MsgError {
			result = "error"
		}
		metrics.MessagesTotal.WithLabelValues(label, result).Inc()
	}()

	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Debug("invalid JSON from client", "conn", string(conn), "error", err)
		return ErrorReply(InvalidJSONMessage)
	}
	label = metricLabel(msg.Type)

	if msg.Token != "" {
		if !c.tokenValid(msg.Token) {
			return ErrorReply(InvalidTokenMessage)
		}
		c.mu.Lock()
		c.stateLocked(conn).authenticated = true
		c.mu.Unlock()
		if msg.Type == "" {
			label = "handshake"
			return &Outbound{Type: MsgAuthenticated}
		}
	}
	if !c.authenticated(conn) {
		return ErrorReply(AuthRequiredMessage)
	}
	if err := checkIDs(msg); err != nil {
		return ErrorReply(err.Error())
	}

	switch msg.Type {
	case MsgBehavioralData:
		return c.handleBehavioralData(ctx, conn, msg)
	case MsgUserAuthentication:
		return c.handleAuthentication(ctx, conn, msg)
	case MsgFeedback:
		return c.handleFeedback(ctx, conn, msg)
	case MsgSubscribeAlerts:
		c.mu.Lock()
		c.stateLocked(conn).subscribed = true
		c.mu.Unlock()
		return &Outbound{Type: MsgSubscribed, Message: SubscribedMessage}
	case "":
		return ErrorReply("Message type is required")
	default:
		return ErrorReply(fmt.Sprintf("Unknown message type: %q", msg.Type))
	}
}

func (c *Coordinator) handleBehavioralData(ctx context.Context, conn ConnID, msg Inbound) *Outbound {
	data, err := features.WireBatch{KeystrokeData: msg.KeystrokeData, MouseData: msg.MouseData}.Decode()
	if err != nil {
		return ErrorReply(err.Error())
	}
	sess, err := c.bind(conn, msg.SessionID, msg.UserID)
	if err != nil {
		return replyFor(err)
	}

	ctx, span := traces.StartSpan(ctx, "session.BehavioralData",
		traces.SessionID(sess.ID), traces.UserID(sess.UserID), traces.EventCount(data.EventCount()))
	defer span.End()

	res, err := c.analyzer.AnalyzeRealTime(ctx, data.Keystrokes, data.Pointer, sess.UserID)
	if err != nil {
		return c.replyForAnalyzer(sess, err)
	}

	now := c.now()
	score := res.Score
	var alert *risk.Alert
	if c.risk != nil {
		_, alert = c.risk.Evaluate(ctx, risk.Input{
			UserID:    sess.UserID,
			SessionID: sess.ID,
			Score:     score,
			Basis:     string(res.Basis),
			Features:  res.Features.Map(),
			At:        now,
		})
	} else {
		alert = c.policy.AlertFor(score)
	}
	c.touch(sess.ID, now, score)

	if c.recorder != nil && !data.Empty() {
		c.recorder.Send(ingest.NewBatch(sess.ID, sess.UserID, data, now))
	}
	if alert != nil && c.notifier != nil {
		c.notifier.NotifyAlert(AlertNotice{SessionID: sess.ID, UserID: sess.UserID, Score: score, Alert: *alert, At: now})
	}
	logging.WithSession(c.logger, sess.ID, sess.UserID).Debug("behavioral data scored",
		"score", score, "basis", string(res.Basis), "samples", res.SampleCount)

	trained := res.ModelTrained
	return &Outbound{
		Type:         MsgAnalysisResult,
		SessionID:    sess.ID,
		RiskScore:    &score,
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
		Alert:        alert,
		Basis:        string(res.Basis),
		ModelTrained: &trained,
	}
}

func (c *Coordinator) handleAuthentication(ctx context.Context, conn ConnID, msg Inbound) *Outbound {
	if msg.UserID == "" {
		return ErrorReply("userId is required")
	}
	sess, err := c.bind(conn, msg.SessionID, msg.UserID)
	if err != nil {
		return replyFor(err)
	}
	if _, _, err := c.analyzer.CreateUserProfile(ctx, msg.UserID, features.BehavioralData{}); err != nil {
		return c.replyForAnalyzer(sess, err)
	}
	logging.WithSession(c.logger, sess.ID, sess.UserID).Info("user authenticated on session")
	return &Outbound{Type: MsgAuthenticationSuccess, UserID: msg.UserID}
}

func (c *Coordinator) handleFeedback(ctx context.Context, conn ConnID, msg Inbound) *Outbound {
	userID, err := c.resolveUser(conn, msg.SessionID, msg.UserID)
	if err != nil {
		return replyFor(err)
	}
	if userID == "" {
		return ErrorReply("userId is required")
	}
	var data features.BehavioralData
	if msg.BehavioralData != nil {
		if data, err = msg.BehavioralData.Decode(); err != nil {
			return ErrorReply(err.Error())
		}
	}
	if err := c.analyzer.UpdateUserProfile(ctx, userID, data, msg.Feedback); err != nil {
		return c.replyForAnalyzer(Session{ID: msg.SessionID, UserID: userID}, err)
	}
	return &Outbound{Type: MsgFeedbackReceived, Message: ProfileUpdatedMessage}
}

// bind attaches conn to sessionID (its current session, or a new one, when
// empty) and binds the session to userID when given. Moving a connection to
// a different session discards the old one.
func (c *Coordinator) bind(conn ConnID, sessionID, userID string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateLocked(conn)
	if sessionID == "" {
		sessionID = st.sessionID
	}
	if sessionID == "" {
		sessionID = idgen.WithPrefix("sess_")
	}

	s, exists := c.sessions[sessionID]
	if exists && userID != "" && s.UserID != "" && s.UserID != userID {
		return Session{}, ErrUserMismatch
	}

	if st.sessionID != "" && st.sessionID != sessionID {
		if old, ok := c.sessions[st.sessionID]; ok && old.Conn == conn {
			delete(c.sessions, st.sessionID)
		}
	}
	now := c.now()
	if !exists {
		s = &Session{ID: sessionID, Conn: conn, CreatedAt: now, LastActivity: now}
		c.sessions[sessionID] = s
	} else if s.Conn != conn {
		if other, ok := c.conns[s.Conn]; ok && other.sessionID == sessionID {
			other.sessionID = ""
		}
		s.Conn = conn
	}
	if s.UserID == "" {
		s.UserID = userID
	}
	st.sessionID = sessionID
	metrics.ActiveSessions.Set(float64(len(c.sessions)))
	return *s, nil
}

// resolveUser finds the user a feedback message applies to without creating
// a session.
func (c *Coordinator) resolveUser(conn ConnID, sessionID, userID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sessionID == "" {
		if st, ok := c.conns[conn]; ok {
			sessionID = st.sessionID
		}
	}
	s, ok := c.sessions[sessionID]
	if !ok || s.UserID == "" {
		return userID, nil
	}
	if userID != "" && userID != s.UserID {
		return "", ErrUserMismatch
	}
	return s.UserID, nil
}

func (c *Coordinator) touch(sessionID string, at time.Time, score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sessionID]; ok {
		s.LastActivity = at
		s.LastRiskScore = score
	}
}

func (c *Coordinator) authenticated(conn ConnID) bool {
	if c.authToken == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(conn).authenticated
}

func (c *Coordinator) tokenValid(token string) bool {
	if c.authToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.authToken)) == 1
}

// stateLocked returns conn's state, creating it on first use. Caller must
// hold c.mu.
func (c *Coordinator) stateLocked(conn ConnID) *connState {
	st, ok := c.conns[conn]
	if !ok {
		st = &connState{}
		c.conns[conn] = st
	}
	return st
}

func (c *Coordinator) replyForAnalyzer(sess Session, err error) *Outbound {
	switch {
	case errors.Is(err, features.ErrMalformedInput),
		errors.Is(err, analyzer.ErrInvalidFeedback),
		errors.Is(err, analyzer.ErrEmptyUserID):
		return ErrorReply(err.Error())
	case errors.Is(err, analyzer.ErrProfileNotFound):
		return ErrorReply(ProfileNotFoundMessage)
	default:
		logging.WithSession(c.logger, sess.ID, sess.UserID).Error("message handling failed", "error", err)
		return ErrorReply(InternalErrorMessage)
	}
}

func replyFor(err error) *Outbound {
	switch {
	case errors.Is(err, ErrUserMismatch):
		return ErrorReply(UserMismatchMessage)
	default:
		return ErrorReply(err.Error())
	}
}

func checkIDs(msg Inbound) error {
	if errs := validation.Validate(
		validation.ValidID("userId", msg.UserID),
		validation.ValidID("sessionId", msg.SessionID),
	); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrMalformedMessage, errs.Error())
	}
	return nil
}

func metricLabel(t MessageType) string {
	switch t {
	case MsgBehavioralData, MsgUserAuthentication, MsgFeedback, MsgSubscribeAlerts:
		return string(t)
	case "":
		return "handshake"
	default:
		return "unknown"
	}
}
