package tide

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestClientMessageCodec(t *testing.T) {
	maxObserved := Timestamp(500)
	journal := "cursor-5"
	messages := []ClientMessage{
		&Connect{
			SessionId:            NewId(),
			ConnectionCount:      3,
			LastCloseReason:      "network error",
			MaxObservedTimestamp: &maxObserved,
		},
		&Connect{
			SessionId:       NewId(),
			LastCloseReason: "InitialConnect",
		},
		&Authenticate{
			BaseVersion: 0,
			Token:       "eyJ.token",
		},
		&ModifyQuerySet{
			BaseVersion: 2,
			Removed:     []QueryId{1},
			Added: []AddQuery{
				{
					QueryId: 4,
					Path:    "tasks:list",
					Args:    Value(`{"limit":10}`),
				},
				{
					QueryId: 5,
					Path:    "tasks:count",
					Args:    Value(`{}`),
					Journal: &journal,
				},
			},
		},
		&MutationRequest{
			RequestId: 7,
			Path:      "tasks:add",
			Args:      Value(`{"text":"buy milk"}`),
		},
		&ActionRequest{
			RequestId: 8,
			Path:      "email:send",
			Args:      Value(`{}`),
		},
	}

	for _, message := range messages {
		frame, err := EncodeClientMessage(message)
		assert.Equal(t, err, nil)
		assert.Equal(t, strings.HasPrefix(string(frame), `{"type":"`+message.clientMessageType()+`"`), true)

		decoded, err := DecodeClientMessage(frame)
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded, message)
	}
}

func TestServerMessageCodec(t *testing.T) {
	ts := Timestamp(150)
	journal := "cursor-9"
	baseVersion := uint32(1)
	messages := []ServerMessage{
		&Transition{
			StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 100},
			EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 200},
			Modifications: []TransitionModification{
				&QueryUpdated{
					QueryId:  4,
					Value:    Value(`[{"text":"buy milk"}]`),
					LogLines: []string{"fetched 1 row"},
					Journal:  &journal,
				},
				&QueryFailed{
					QueryId:      5,
					ErrorMessage: "index out of range",
				},
				&QueryRemoved{
					QueryId: 6,
				},
			},
		},
		&Transition{
			StartVersion:  Version{},
			EndVersion:    Version{Ts: 100},
			Modifications: []TransitionModification{},
		},
		&MutationResponse{
			RequestId: 7,
			Success:   true,
			Result:    Value(`"task-id-1"`),
			Ts:        &ts,
			LogLines:  []string{"inserted"},
		},
		&MutationResponse{
			RequestId:    8,
			Success:      false,
			ErrorMessage: "conflict",
			ErrorData:    Value(`{"code":409}`),
		},
		&ActionResponse{
			RequestId: 9,
			Success:   true,
			Result:    Value(`null`),
		},
		&ActionResponse{
			RequestId:    10,
			Success:      false,
			ErrorMessage: "timeout",
		},
		&AuthError{
			Error:       "token expired",
			BaseVersion: &baseVersion,
		},
		&FatalError{
			Error: "instance deleted",
		},
		&Ping{},
	}

	for _, message := range messages {
		frame, err := EncodeServerMessage(message)
		assert.Equal(t, err, nil)
		assert.Equal(t, strings.HasPrefix(string(frame), `{"type":"`+message.serverMessageType()+`"`), true)

		decoded, err := DecodeServerMessage(frame)
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded, message)
	}
}

func TestDecodeUnknownMessageType(t *testing.T) {
	var decodeErr *ProtocolDecodeError

	_, err := DecodeServerMessage([]byte(`{"type":"Bogus","x":1}`))
	assert.NotEqual(t, err, nil)
	assert.Equal(t, errors.As(err, &decodeErr), true)

	_, err = DecodeClientMessage([]byte(`{"type":"Bogus"}`))
	assert.NotEqual(t, err, nil)
	assert.Equal(t, errors.As(err, &decodeErr), true)

	// a client message kind is not a server message kind
	_, err = DecodeServerMessage([]byte(`{"type":"Mutation","requestId":1}`))
	assert.NotEqual(t, err, nil)
	assert.Equal(t, errors.As(err, &decodeErr), true)
}

func TestDecodeMalformedFrame(t *testing.T) {
	var decodeErr *ProtocolDecodeError

	for _, frame := range []string{
		``,
		`{`,
		`[1,2]`,
		`"Transition"`,
		`{"x":1}`,
		`{"type":""}`,
		`{"type":"Transition","startVersion":5}`,
		`{"type":"Transition","modifications":[{"type":"Bogus"}]}`,
		`{"type":"MutationResponse","requestId":"seven"}`,
	} {
		_, err := DecodeServerMessage([]byte(frame))
		assert.NotEqual(t, err, nil)
		assert.Equal(t, errors.As(err, &decodeErr), true)
	}
}

func TestTransitionEmptyModifications(t *testing.T) {
	// heartbeat transitions advance the version with no query changes
	frame, err := EncodeServerMessage(&Transition{
		StartVersion:  Version{Ts: 100},
		EndVersion:    Version{Ts: 200},
		Modifications: []TransitionModification{},
	})
	assert.Equal(t, err, nil)

	decoded, err := DecodeServerMessage(frame)
	assert.Equal(t, err, nil)
	transition, ok := decoded.(*Transition)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(transition.Modifications), 0)
	assert.Equal(t, transition.StartVersion.Ts, Timestamp(100))
	assert.Equal(t, transition.EndVersion.Ts, Timestamp(200))
}
