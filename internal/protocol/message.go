// Package protocol defines the tagged-union message schema carried inside
// each frame body: an ASCII command token, optionally followed by a single
// space and a JSON object. Parsing is fail-closed — an unknown token or a
// payload that does not decode into the shape the token names is rejected
// rather than guessed at.
package protocol

import (
	"bytes"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Kind names a message's command token.
type Kind string

// All message kinds carried over the wire. Directionality (C/S/B) is
// documented per spec.md §4.2; the schema itself is symmetric.
const (
	KindLogin             Kind = "LOGIN"
	KindRegister          Kind = "REGISTER"
	KindAuthenticated     Kind = "AUTHENTICATED"
	KindLogout            Kind = "LOGOUT"
	KindPlayerList        Kind = "PLAYER_LIST"
	KindUserStats         Kind = "USER_STATS"
	KindLeaderBoard       Kind = "LEADER_BOARD"
	KindChallengeRequest  Kind = "CHALLENGE_REQUEST"
	KindChallengeCancel   Kind = "CHALLENGE_CANCEL"
	KindChallengeResponse Kind = "CHALLENGE_RESPONSE"
	KindQuickMatching     Kind = "QUICK_MATCHING"
	KindCancelQM          Kind = "CANCEL_QM"
	KindAIMatch           Kind = "AI_MATCH"
	KindGameStart         Kind = "GAME_START"
	KindMove              Kind = "MOVE"
	KindInvalidMove       Kind = "INVALID_MOVE"
	KindSuggestMove       Kind = "SUGGEST_MOVE"
	KindGameEnd           Kind = "GAME_END"
	KindResign            Kind = "RESIGN"
	KindDrawRequest       Kind = "DRAW_REQUEST"
	KindRematchRequest    Kind = "REMATCH_REQUEST"
	KindDrawResponse      Kind = "DRAW_RESPONSE"
	KindRematchResponse   Kind = "REMATCH_RESPONSE"
	KindMessage           Kind = "MESSAGE"
	KindRequestAddFriend  Kind = "REQUEST_ADD_FRIEND"
	KindResponseAddFriend Kind = "RESPONSE_ADD_FRIEND"
	KindUnfriend          Kind = "UNFRIEND"
	KindGameHistory       Kind = "GAME_HISTORY"
	KindReplayRequest     Kind = "REPLAY_REQUEST"
	KindInfo              Kind = "INFO"
	KindError             Kind = "ERROR"
)

// knownKinds lets Parse reject unrecognized tokens without a big switch.
var knownKinds = map[Kind]struct{}{
	KindLogin: {}, KindRegister: {}, KindAuthenticated: {}, KindLogout: {},
	KindPlayerList: {}, KindUserStats: {}, KindLeaderBoard: {},
	KindChallengeRequest: {}, KindChallengeCancel: {}, KindChallengeResponse: {},
	KindQuickMatching: {}, KindCancelQM: {}, KindAIMatch: {}, KindGameStart: {},
	KindMove: {}, KindInvalidMove: {}, KindSuggestMove: {}, KindGameEnd: {},
	KindResign: {}, KindDrawRequest: {}, KindRematchRequest: {},
	KindDrawResponse: {}, KindRematchResponse: {}, KindMessage: {},
	KindRequestAddFriend: {}, KindResponseAddFriend: {}, KindUnfriend: {},
	KindGameHistory: {}, KindReplayRequest: {}, KindInfo: {}, KindError: {},
}

// ErrUnknownKind is returned by Parse when the command token is not recognized.
var ErrUnknownKind = errors.New("protocol: unknown message kind")

// Message is a parsed frame body: a kind plus its raw, not-yet-typed payload.
// Body is nil when the frame carried no payload.
type Message struct {
	Kind Kind
	Body []byte
}

// Parse splits a frame body into its command token and raw JSON payload.
// It rejects unknown tokens; it does not validate the payload shape —
// callers use Decode for that, against the struct the kind implies.
func Parse(frameBody []byte) (Message, error) {
	token, rest, _ := bytes.Cut(frameBody, []byte(" "))
	kind := Kind(token)

	if _, ok := knownKinds[kind]; !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, token)
	}

	msg := Message{Kind: kind}
	if len(rest) > 0 {
		msg.Body = rest
	}
	return msg, nil
}

// Decode unmarshals the message's payload into v. It fails closed: a
// message declared to carry a payload that does not decode into v is an
// error. On error v may have been partially populated and must not be used.
func Decode(msg Message, v any) error {
	if len(msg.Body) == 0 {
		return fmt.Errorf("protocol: %s carries no payload", msg.Kind)
	}
	if err := json.Unmarshal(msg.Body, v); err != nil {
		return fmt.Errorf("protocol: decoding %s payload: %w", msg.Kind, err)
	}
	return nil
}

// Encode renders kind (and, if payload is non-nil, its JSON form) into a
// frame body ready for frame.Encode.
func Encode(kind Kind, payload any) ([]byte, error) {
	if payload == nil {
		return []byte(kind), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding %s payload: %w", kind, err)
	}
	out := make([]byte, 0, len(kind)+1+len(data))
	out = append(out, kind...)
	out = append(out, ' ')
	out = append(out, data...)
	return out, nil
}
