package model

import "time"

// Client -> server message types.
const (
	MsgAuthenticate    = "authenticate"
	MsgSubscribe       = "subscribe"
	MsgUnsubscribe     = "unsubscribe"
	MsgHeartbeat       = "heartbeat"
	MsgConnectionCheck = "connection_check"

	// Legacy room messages still sent by older clients.
	MsgJoinEvent  = "join_event"
	MsgLeaveEvent = "leave_event"
)

// Server -> client message types that are not notifications.
const (
	MsgAuthSuccess         = "auth_success"
	MsgAuthError           = "auth_error"
	MsgSubscriptionSuccess = "subscription_success"
	MsgSubscriptionError   = "subscription_error"
	MsgUnsubscribed        = "unsubscribed"
	MsgHeartbeatAck        = "heartbeat_ack"
	MsgConnectionStatus    = "connection_status"
	MsgConnectionTimeout   = "connection_timeout"
	MsgServerShutdown      = "server_shutdown"
	MsgError               = "error"
)

type AuthenticateRequest struct {
	Token      string `json:"token,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	ShareToken string `json:"share_token,omitempty"`
	GuestName  string `json:"guest_name,omitempty"`
}

type SubscribeRequest struct {
	EventID    string `json:"event_id"`
	ShareToken string `json:"share_token,omitempty"`
}

type HeartbeatRequest struct {
	// Timestamp is the client clock in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Envelope is every outbound frame.
type Envelope struct {
	Type      string    `json:"type"`
	EventID   string    `json:"event_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ConnectionSettings struct {
	HeartbeatIntervalMs int64 `json:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int64 `json:"heartbeat_timeout_ms"`
}

type AuthSuccess struct {
	Role               Role               `json:"role"`
	UserID             string             `json:"user_id"`
	DisplayName        string             `json:"display_name"`
	EventID            string             `json:"event_id"`
	ConnectionID       string             `json:"connection_id"`
	ConnectionSettings ConnectionSettings `json:"connection_settings"`
}

type ErrorPayload struct {
	EventID string `json:"event_id,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type SubscriptionSuccess struct {
	EventID string `json:"event_id"`
	Group   string `json:"group"`
}

type HeartbeatAck struct {
	ServerTimestamp int64 `json:"server_timestamp"`
	LatencyMs       int64 `json:"latency_ms"`
}

type ConnectionStatus struct {
	Healthy         bool      `json:"healthy"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	ReconnectCount  int       `json:"reconnect_count"`
	Subscriptions   []string  `json:"subscriptions"`
}
