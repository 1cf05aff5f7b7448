// Package wire defines the inbound frame model for the duplex transport.
// Frames arrive as JSON payloads distinguished by a type discriminant;
// heartbeat frames may also arrive untagged (legacy format) as a bare
// numeric timestamp. Decode is the single entry point and never fails:
// payloads that cannot be classified are reinterpreted as legacy
// heartbeats rather than dropped.
package wire

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the frame variant.
type Kind int

const (
	// KindHeartbeat is a liveness signal from the server.
	KindHeartbeat Kind = iota
	// KindMessage is a chat or broadcast message.
	KindMessage
	// KindNotify signals that new messages are available in the remote store.
	KindNotify
	// KindEcho is the server's count/echo acknowledgement of a sent message.
	KindEcho
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindMessage:
		return "message"
	case KindNotify:
		return "notify"
	case KindEcho:
		return "echo"
	}
	return "unknown"
}

// Category distinguishes ordinary chat messages from broadcasts.
type Category string

const (
	CategoryChat      Category = "chat"
	CategoryBroadcast Category = "broadcast"
)

// Level is the severity attached to broadcast messages.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// Heartbeat carries the server-reported generation time in epoch
// milliseconds. Latency is optional; when absent the receiver derives it.
type Heartbeat struct {
	Timestamp int64 `json:"ts"`
	Latency   int64 `json:"latency,omitempty"`
}

// Message is a chat or broadcast frame.
type Message struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp"`
	Category  Category `json:"category"`
	Level     Level    `json:"level,omitempty"`
	Title     string   `json:"title,omitempty"`
}

// Notify tells the client that the remote store holds messages it has not
// reconciled yet.
type Notify struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

// Echo is the server acknowledgement for an outbound message, or the
// goodbye frame sent on close.
type Echo struct {
	Count int64  `json:"count"`
	Echo  string `json:"echo,omitempty"`
	Bye   bool   `json:"bye,omitempty"`
	Total int64  `json:"total,omitempty"`
}

// Frame is the decoded tagged union. Exactly one variant pointer is set,
// matching Kind. Legacy marks heartbeats recovered via fallback parsing.
type Frame struct {
	Kind      Kind
	Legacy    bool
	Heartbeat *Heartbeat
	Message   *Message
	Notify    *Notify
	Echo      *Echo
}

// probe captures every field any frame variant may carry so a single
// unmarshal can classify the payload.
type probe struct {
	Type      string          `json:"type"`
	Ts        *int64          `json:"ts"`
	Latency   int64           `json:"latency"`
	ID        string          `json:"id"`
	Content   string          `json:"content"`
	Message   string          `json:"message"`
	Timestamp int64           `json:"timestamp"`
	Level     string          `json:"level"`
	Title     string          `json:"title"`
	SessionID string          `json:"sessionId"`
	Source    string          `json:"source"`
	Count     *int64          `json:"count"`
	Echo      string          `json:"echo"`
	Bye       bool            `json:"bye"`
	Total     int64           `json:"total"`
}

// Decode classifies a raw payload into a Frame. now supplies the local
// clock for legacy latency derivation.
func Decode(data []byte, now time.Time) Frame {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return legacyHeartbeat(data, now)
	}

	switch p.Type {
	case "heartbeat":
		ts := int64(0)
		if p.Ts != nil {
			ts = *p.Ts
		} else if p.Timestamp != 0 {
			ts = p.Timestamp
		}
		return Frame{Kind: KindHeartbeat, Heartbeat: &Heartbeat{Timestamp: ts, Latency: p.Latency}}
	case "chat", "broadcast":
		return Frame{Kind: KindMessage, Message: messageFromProbe(&p)}
	case "new_messages_available":
		return Frame{Kind: KindNotify, Notify: &Notify{
			SessionID: p.SessionID,
			Timestamp: p.Timestamp,
			Source:    p.Source,
		}}
	}

	// Untagged frames: classify by shape, the way the legacy protocol did.
	switch {
	case p.Ts != nil:
		return Frame{Kind: KindHeartbeat, Heartbeat: &Heartbeat{Timestamp: *p.Ts, Latency: p.Latency}}
	case p.Count != nil || p.Bye:
		return Frame{Kind: KindEcho, Echo: &Echo{
			Count: derefInt64(p.Count),
			Echo:  p.Echo,
			Bye:   p.Bye,
			Total: p.Total,
		}}
	case p.ID != "" && (p.Content != "" || p.Message != ""):
		return Frame{Kind: KindMessage, Message: messageFromProbe(&p)}
	}

	return legacyHeartbeat(data, now)
}

func messageFromProbe(p *probe) *Message {
	content := p.Content
	if content == "" {
		content = p.Message
	}
	// Broadcast frames prefix the title the way the server's stored copy does.
	if p.Type == "broadcast" && p.Title != "" && !strings.HasPrefix(content, "[") {
		content = "[" + p.Title + "] " + content
	}

	cat := CategoryChat
	var level Level
	if p.Type == "broadcast" {
		cat = CategoryBroadcast
		level = Level(p.Level)
		if level == "" {
			level = LevelInfo
		}
	}

	id := p.ID
	if id == "" {
		id = broadcastID(content, p.Timestamp)
	}

	return &Message{
		ID:        id,
		Content:   content,
		Timestamp: p.Timestamp,
		Category:  cat,
		Level:     level,
		Title:     p.Title,
	}
}

// broadcastID synthesizes a stable id for broadcast frames that carry none,
// so the same broadcast collapses across the push and poll channels.
func broadcastID(content string, ts int64) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(content))
	return fmt.Sprintf("broadcast_%d_%d", ts, h.Sum32()%10000)
}

// legacyHeartbeat reinterprets an unclassifiable payload as the legacy
// heartbeat format: a raw numeric epoch-millisecond timestamp. Latency is
// the delta to now, floored at zero. Non-numeric payloads still yield a
// best-effort record with a zero timestamp.
func legacyHeartbeat(data []byte, now time.Time) Frame {
	hb := &Heartbeat{}
	raw := strings.TrimSpace(string(data))
	if ts, err := strconv.ParseFloat(raw, 64); err == nil {
		hb.Timestamp = int64(ts)
		if lat := now.UnixMilli() - hb.Timestamp; lat > 0 {
			hb.Latency = lat
		}
	}
	return Frame{Kind: KindHeartbeat, Legacy: true, Heartbeat: hb}
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
