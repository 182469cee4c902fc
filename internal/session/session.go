// Package session maps live connections to sessions and users, decodes
// client messages and dispatches them to the analyzer.
//
// Each connection is bound to at most one session, and a session is bound to
// exactly one user once a userId has been seen on it. Every inbound message
// produces exactly one outbound reply; failures become error replies and
// never close the connection.
package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/typeguard/internal/features"
	"github.com/mbd888/typeguard/internal/risk"
)

var (
	ErrMalformedMessage = errors.New("session: malformed message")
	ErrUserMismatch     = errors.New("session: session is bound to a different user")
)

// ConnID identifies one live connection.
type ConnID string

// MessageType is the "type" field of client and server messages.
type MessageType string

// Inbound message types.
const (
	MsgBehavioralData     MessageType = "behavioral_data"
	MsgUserAuthentication MessageType = "user_authentication"
	MsgFeedback           MessageType = "feedback"
	MsgSubscribeAlerts    MessageType = "subscribe_alerts"
)

// Outbound message types.
const (
	MsgAnalysisResult        MessageType = "analysis_result"
	MsgAuthenticationSuccess MessageType = "authentication_success"
	MsgAuthenticated         MessageType = "authenticated"
	MsgFeedbackReceived      MessageType = "feedback_received"
	MsgSubscribed            MessageType = "subscribed"
	MsgRiskAlert             MessageType = "risk_alert"
	MsgError                 MessageType = "error"
)

// Reply texts shared with existing clients.
const (
	InvalidJSONMessage     = "Invalid JSON format"
	ProfileUpdatedMessage  = "User profile updated"
	SubscribedMessage      = "Subscribed to risk alerts"
	ProfileNotFoundMessage = "User profile not found"
	InternalErrorMessage   = "Internal error processing message"
	AuthRequiredMessage    = "Authentication required"
	InvalidTokenMessage    = "Invalid authentication token"
	UserMismatchMessage    = "Session is bound to a different user"
)

// Session is the server-side state of one live client session.
type Session struct {
	ID            string    `json:"sessionId"`
	UserID        string    `json:"userId,omitempty"`
	Conn          ConnID    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
	LastRiskScore float64   `json:"lastRiskScore"`
}

// Inbound is a decoded client message. The bare {"token": ...} handshake
// has an empty Type.
type Inbound struct {
	Type           MessageType              `json:"type"`
	UserID         string                   `json:"userId"`
	SessionID      string                   `json:"sessionId"`
	Token          string                   `json:"token"`
	KeystrokeData  []features.WireKeystroke `json:"keystrokeData"`
	MouseData      []features.WirePointer   `json:"mouseData"`
	Feedback       string                   `json:"feedback"`
	BehavioralData *features.WireBatch      `json:"behavioralData"`
}

// Outbound is a server reply or push. Only the fields of its Type are set.
type Outbound struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"sessionId,omitempty"`
	UserID       string      `json:"userId,omitempty"`
	RiskScore    *float64    `json:"riskScore,omitempty"`
	Timestamp    string      `json:"timestamp,omitempty"`
	Alert        *risk.Alert `json:"alert,omitempty"`
	Basis        string      `json:"basis,omitempty"`
	ModelTrained *bool       `json:"modelTrained,omitempty"`
	Message      string      `json:"message,omitempty"`
}

// Encode marshals o for the wire.
func (o *Outbound) Encode() []byte {
	data, err := json.Marshal(o)
	if err != nil {
		return []byte(`{"type":"error","message":"` + InternalErrorMessage + `"}`)
	}
	return data
}

// ErrorReply builds an error message.
func ErrorReply(msg string) *Outbound {
	return &Outbound{Type: MsgError, Message: msg}
}

// AlertNotice is pushed to monitor subscribers when a score raises an alert.
type AlertNotice struct {
	SessionID string
	UserID    string
	Score     float64
	Alert     risk.Alert
	At        time.Time
}

// Outbound renders the notice as a risk_alert push.
func (n AlertNotice) Outbound() *Outbound {
	score := n.Score
	alert := n.Alert
	return &Outbound{
		Type:      MsgRiskAlert,
		SessionID: n.SessionID,
		UserID:    n.UserID,
		RiskScore: &score,
		Timestamp: n.At.Format(time.RFC3339Nano),
		Alert:     &alert,
	}
}

// AlertNotifier receives alerts raised while handling messages.
type AlertNotifier interface {
	NotifyAlert(n AlertNotice)
}
