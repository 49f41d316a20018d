package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// MessageKind names a negotiation message variant.
type MessageKind string

const (
	KindOffer   MessageKind = "offer"
	KindAccept  MessageKind = "accept"
	KindReject  MessageKind = "reject"
	KindDeliver MessageKind = "deliver"
)

// ErrInvalidMessage is wrapped by every decoding failure.
var ErrInvalidMessage = errors.New("invalid d2a message")

// ValidationError reports the field that failed shape validation.
type ValidationError struct {
	Kind  MessageKind
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s.%s: %s", e.Kind, e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidMessage
}

// Message is the closed set of negotiation payloads: Offer, Accept, Reject and Deliver.
type Message interface {
	Kind() MessageKind
	sealed()
}

// Offer proposes one content item on a topic.
type Offer struct {
	Topic          string  `json:"topic"`
	Score          float64 `json:"score"`
	ContentPreview string  `json:"contentPreview"`
}

// Accept agrees to receive the offered item.
type Accept struct{}

// Reject declines an offer, or aborts a handshake.
type Reject struct{}

// Deliver carries the full content item.
type Deliver struct {
	Text           string         `json:"text"`
	Author         string         `json:"author"`
	ScoreBreakdown ScoreBreakdown `json:"scoreBreakdown"`
	Verdict        Verdict        `json:"verdict"`
	Topics         []string       `json:"topics"`
	VSignal        *float64       `json:"vSignal,omitempty"`
	CContext       *float64       `json:"cContext,omitempty"`
	LSlop          *float64       `json:"lSlop,omitempty"`
}

func (Offer) Kind() MessageKind   { return KindOffer }
func (Accept) Kind() MessageKind  { return KindAccept }
func (Reject) Kind() MessageKind  { return KindReject }
func (Deliver) Kind() MessageKind { return KindDeliver }

func (Offer) sealed()   {}
func (Accept) sealed()  {}
func (Reject) sealed()  {}
func (Deliver) sealed() {}

// DeliverFromItem builds a deliver payload carrying item.
func DeliverFromItem(item ContentItem) Deliver {
	return Deliver{
		Text:           item.Text,
		Author:         item.Author,
		ScoreBreakdown: item.Scores,
		Verdict:        item.Verdict,
		Topics:         append([]string(nil), item.Topics...),
		VSignal:        item.VSignal,
		CContext:       item.CContext,
		LSlop:          item.LSlop,
	}
}

type envelope struct {
	Type    MessageKind     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeMessage serializes m as {"type": ..., "payload": {...}}.
func EncodeMessage(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", m.Kind(), err)
	}
	return json.Marshal(envelope{Type: m.Kind(), Payload: payload})
}

// DecodeMessage parses and validates a plaintext message. Unknown types and payloads
// that do not match their type's shape are rejected with an error wrapping
// ErrInvalidMessage.
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch env.Type {
	case KindOffer:
		return decodeOffer(env.Payload)
	case KindAccept:
		if err := requireObject(KindAccept, env.Payload, true); err != nil {
			return nil, err
		}
		return Accept{}, nil
	case KindReject:
		if err := requireObject(KindReject, env.Payload, true); err != nil {
			return nil, err
		}
		return Reject{}, nil
	case KindDeliver:
		return decodeDeliver(env.Payload)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, env.Type)
	}
}

// offerWire and deliverWire use pointers so absent fields can be told apart from zero values.
type offerWire struct {
	Topic          *string  `json:"topic"`
	Score          *float64 `json:"score"`
	ContentPreview *string  `json:"contentPreview"`
}

type scoreWire struct {
	Originality *float64 `json:"originality"`
	Insight     *float64 `json:"insight"`
	Credibility *float64 `json:"credibility"`
	Composite   *float64 `json:"composite"`
}

type deliverWire struct {
	Text           *string    `json:"text"`
	Author         *string    `json:"author"`
	ScoreBreakdown *scoreWire `json:"scoreBreakdown"`
	Verdict        *string    `json:"verdict"`
	Topics         []string   `json:"topics"`
	VSignal        *float64   `json:"vSignal"`
	CContext       *float64   `json:"cContext"`
	LSlop          *float64   `json:"lSlop"`
}

func decodeOffer(raw json.RawMessage) (Message, error) {
	if err := requireObject(KindOffer, raw, false); err != nil {
		return nil, err
	}
	var w offerWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &ValidationError{Kind: KindOffer, Msg: err.Error()}
	}
	switch {
	case w.Topic == nil || *w.Topic == "":
		return nil, &ValidationError{Kind: KindOffer, Field: "topic", Msg: "required"}
	case w.Score == nil:
		return nil, &ValidationError{Kind: KindOffer, Field: "score", Msg: "required"}
	case w.ContentPreview == nil:
		return nil, &ValidationError{Kind: KindOffer, Field: "contentPreview", Msg: "required"}
	}
	if err := checkScore(KindOffer, "score", *w.Score); err != nil {
		return nil, err
	}
	return Offer{Topic: *w.Topic, Score: *w.Score, ContentPreview: *w.ContentPreview}, nil
}

func decodeDeliver(raw json.RawMessage) (Message, error) {
	if err := requireObject(KindDeliver, raw, false); err != nil {
		return nil, err
	}
	var w deliverWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &ValidationError{Kind: KindDeliver, Msg: err.Error()}
	}

	switch {
	case w.Text == nil || *w.Text == "":
		return nil, &ValidationError{Kind: KindDeliver, Field: "text", Msg: "required"}
	case w.Author == nil:
		return nil, &ValidationError{Kind: KindDeliver, Field: "author", Msg: "required"}
	case w.Verdict == nil:
		return nil, &ValidationError{Kind: KindDeliver, Field: "verdict", Msg: "required"}
	case len(w.Topics) == 0:
		return nil, &ValidationError{Kind: KindDeliver, Field: "topics", Msg: "required"}
	case w.ScoreBreakdown == nil:
		return nil, &ValidationError{Kind: KindDeliver, Field: "scoreBreakdown", Msg: "required"}
	}

	verdict := Verdict(*w.Verdict)
	if verdict != VerdictQuality && verdict != VerdictSlop {
		return nil, &ValidationError{Kind: KindDeliver, Field: "verdict", Msg: fmt.Sprintf("unknown verdict %q", *w.Verdict)}
	}
	for i, topic := range w.Topics {
		if topic == "" {
			return nil, &ValidationError{Kind: KindDeliver, Field: fmt.Sprintf("topics[%d]", i), Msg: "empty topic"}
		}
	}

	scores, err := w.ScoreBreakdown.breakdown()
	if err != nil {
		return nil, err
	}
	for field, v := range map[string]*float64{"vSignal": w.VSignal, "cContext": w.CContext, "lSlop": w.LSlop} {
		if v == nil {
			continue
		}
		if err := checkScore(KindDeliver, field, *v); err != nil {
			return nil, err
		}
	}

	return Deliver{
		Text:           *w.Text,
		Author:         *w.Author,
		ScoreBreakdown: scores,
		Verdict:        verdict,
		Topics:         w.Topics,
		VSignal:        w.VSignal,
		CContext:       w.CContext,
		LSlop:          w.LSlop,
	}, nil
}

func (s *scoreWire) breakdown() (ScoreBreakdown, error) {
	fields := []struct {
		name string
		v    *float64
	}{
		{"originality", s.Originality},
		{"insight", s.Insight},
		{"credibility", s.Credibility},
		{"composite", s.Composite},
	}
	for _, f := range fields {
		if f.v == nil {
			return ScoreBreakdown{}, &ValidationError{Kind: KindDeliver, Field: "scoreBreakdown." + f.name, Msg: "required"}
		}
		if err := checkScore(KindDeliver, "scoreBreakdown."+f.name, *f.v); err != nil {
			return ScoreBreakdown{}, err
		}
	}
	return ScoreBreakdown{
		Originality: *s.Originality,
		Insight:     *s.Insight,
		Credibility: *s.Credibility,
		Composite:   *s.Composite,
	}, nil
}

func checkScore(kind MessageKind, field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > MaxScore {
		return &ValidationError{Kind: kind, Field: field, Msg: fmt.Sprintf("score %v out of range", v)}
	}
	return nil
}

// requireObject checks that raw is a JSON object. Accept and reject may omit the payload.
func requireObject(kind MessageKind, raw json.RawMessage, optional bool) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if optional {
			return nil
		}
		return &ValidationError{Kind: kind, Field: "payload", Msg: "required"}
	}
	if trimmed[0] != '{' {
		return &ValidationError{Kind: kind, Field: "payload", Msg: "must be an object"}
	}
	return nil
}
