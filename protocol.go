package tide

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// Wire protocol for the sync connection. Every frame is a single json
// object with a `type` discriminator. Unknown discriminators are a decode
// error so protocol drift fails loudly instead of desyncing the view.

const (
	messageTypeConnect        = "Connect"
	messageTypeAuthenticate   = "Authenticate"
	messageTypeModifyQuerySet = "ModifyQuerySet"
	messageTypeMutation       = "Mutation"
	messageTypeAction         = "Action"

	messageTypeTransition       = "Transition"
	messageTypeMutationResponse = "MutationResponse"
	messageTypeActionResponse   = "ActionResponse"
	messageTypeAuthError        = "AuthError"
	messageTypeFatalError       = "FatalError"
	messageTypePing             = "Ping"

	modificationTypeQueryUpdated = "QueryUpdated"
	modificationTypeQueryFailed  = "QueryFailed"
	modificationTypeQueryRemoved = "QueryRemoved"
)

type ClientMessage interface {
	clientMessageType() string
}

type ServerMessage interface {
	serverMessageType() string
}

// first message on every connection
type Connect struct {
	SessionId            Id         `json:"sessionId"`
	ConnectionCount      uint32     `json:"connectionCount"`
	LastCloseReason      string     `json:"lastCloseReason"`
	MaxObservedTimestamp *Timestamp `json:"maxObservedTimestamp,omitempty"`
}

func (self *Connect) clientMessageType() string {
	return messageTypeConnect
}

// An empty token signs the session out.
type Authenticate struct {
	BaseVersion uint32 `json:"baseVersion"`
	Token       string `json:"token"`
}

func (self *Authenticate) clientMessageType() string {
	return messageTypeAuthenticate
}

type AddQuery struct {
	QueryId QueryId `json:"queryId"`
	Path    string  `json:"path"`
	Args    Value   `json:"args"`
	Journal *string `json:"journal,omitempty"`
}

type ModifyQuerySet struct {
	BaseVersion uint32     `json:"baseVersion"`
	Removed     []QueryId  `json:"removed"`
	Added       []AddQuery `json:"added"`
}

func (self *ModifyQuerySet) clientMessageType() string {
	return messageTypeModifyQuerySet
}

type MutationRequest struct {
	RequestId RequestId `json:"requestId"`
	Path      string    `json:"path"`
	Args      Value     `json:"args"`
}

func (self *MutationRequest) clientMessageType() string {
	return messageTypeMutation
}

type ActionRequest struct {
	RequestId RequestId `json:"requestId"`
	Path      string    `json:"path"`
	Args      Value     `json:"args"`
}

func (self *ActionRequest) clientMessageType() string {
	return messageTypeAction
}

// one query changed within a transition
type TransitionModification interface {
	modificationType() string
}

type QueryUpdated struct {
	QueryId  QueryId  `json:"queryId"`
	Value    Value    `json:"value"`
	LogLines []string `json:"logLines,omitempty"`
	Journal  *string  `json:"journal,omitempty"`
}

func (self *QueryUpdated) modificationType() string {
	return modificationTypeQueryUpdated
}

type QueryFailed struct {
	QueryId      QueryId  `json:"queryId"`
	ErrorMessage string   `json:"errorMessage"`
	LogLines     []string `json:"logLines,omitempty"`
}

func (self *QueryFailed) modificationType() string {
	return modificationTypeQueryFailed
}

type QueryRemoved struct {
	QueryId QueryId `json:"queryId"`
}

func (self *QueryRemoved) modificationType() string {
	return modificationTypeQueryRemoved
}

// an atomic move of the client view from one version to the next
type Transition struct {
	StartVersion  Version
	EndVersion    Version
	Modifications []TransitionModification
}

func (self *Transition) serverMessageType() string {
	return messageTypeTransition
}

func (self *Transition) MarshalJSON() ([]byte, error) {
	rawModifications := make([]json.RawMessage, 0, len(self.Modifications))
	for _, modification := range self.Modifications {
		rawModification, err := taggedMarshal(modification.modificationType(), modification)
		if err != nil {
			return nil, err
		}
		rawModifications = append(rawModifications, json.RawMessage(rawModification))
	}
	return json.Marshal(map[string]any{
		"startVersion":  self.StartVersion,
		"endVersion":    self.EndVersion,
		"modifications": rawModifications,
	})
}

func (self *Transition) UnmarshalJSON(src []byte) error {
	var raw struct {
		StartVersion  Version           `json:"startVersion"`
		EndVersion    Version           `json:"endVersion"`
		Modifications []json.RawMessage `json:"modifications"`
	}
	if err := json.Unmarshal(src, &raw); err != nil {
		return err
	}
	modifications := make([]TransitionModification, 0, len(raw.Modifications))
	for _, rawModification := range raw.Modifications {
		modification, err := decodeTransitionModification(rawModification)
		if err != nil {
			return err
		}
		modifications = append(modifications, modification)
	}
	self.StartVersion = raw.StartVersion
	self.EndVersion = raw.EndVersion
	self.Modifications = modifications
	return nil
}

type MutationResponse struct {
	RequestId    RequestId  `json:"requestId"`
	Success      bool       `json:"success"`
	Result       Value      `json:"result,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ErrorData    Value      `json:"errorData,omitempty"`
	Ts           *Timestamp `json:"ts,omitempty"`
	LogLines     []string   `json:"logLines,omitempty"`
}

func (self *MutationResponse) serverMessageType() string {
	return messageTypeMutationResponse
}

type ActionResponse struct {
	RequestId    RequestId `json:"requestId"`
	Success      bool      `json:"success"`
	Result       Value     `json:"result,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	ErrorData    Value     `json:"errorData,omitempty"`
	LogLines     []string  `json:"logLines,omitempty"`
}

func (self *ActionResponse) serverMessageType() string {
	return messageTypeActionResponse
}

type AuthError struct {
	Error       string  `json:"error"`
	BaseVersion *uint32 `json:"baseVersion,omitempty"`
}

func (self *AuthError) serverMessageType() string {
	return messageTypeAuthError
}

type FatalError struct {
	Error string `json:"error"`
}

func (self *FatalError) serverMessageType() string {
	return messageTypeFatalError
}

type Ping struct{}

func (self *Ping) serverMessageType() string {
	return messageTypePing
}

func EncodeClientMessage(message ClientMessage) ([]byte, error) {
	return taggedMarshal(message.clientMessageType(), message)
}

func DecodeClientMessage(frame []byte) (ClientMessage, error) {
	messageType, err := peekMessageType(frame)
	if err != nil {
		return nil, err
	}
	switch messageType {
	case messageTypeConnect:
		return decodeConcrete[Connect](frame, messageType)
	case messageTypeAuthenticate:
		return decodeConcrete[Authenticate](frame, messageType)
	case messageTypeModifyQuerySet:
		return decodeConcrete[ModifyQuerySet](frame, messageType)
	case messageTypeMutation:
		return decodeConcrete[MutationRequest](frame, messageType)
	case messageTypeAction:
		return decodeConcrete[ActionRequest](frame, messageType)
	default:
		return nil, &ProtocolDecodeError{
			Reason: fmt.Sprintf("unknown client message type %q", messageType),
		}
	}
}

func EncodeServerMessage(message ServerMessage) ([]byte, error) {
	return taggedMarshal(message.serverMessageType(), message)
}

func DecodeServerMessage(frame []byte) (ServerMessage, error) {
	messageType, err := peekMessageType(frame)
	if err != nil {
		return nil, err
	}
	switch messageType {
	case messageTypeTransition:
		return decodeConcrete[Transition](frame, messageType)
	case messageTypeMutationResponse:
		return decodeConcrete[MutationResponse](frame, messageType)
	case messageTypeActionResponse:
		return decodeConcrete[ActionResponse](frame, messageType)
	case messageTypeAuthError:
		return decodeConcrete[AuthError](frame, messageType)
	case messageTypeFatalError:
		return decodeConcrete[FatalError](frame, messageType)
	case messageTypePing:
		return decodeConcrete[Ping](frame, messageType)
	default:
		return nil, &ProtocolDecodeError{
			Reason: fmt.Sprintf("unknown server message type %q", messageType),
		}
	}
}

func decodeTransitionModification(src []byte) (TransitionModification, error) {
	modificationType, err := peekMessageType(src)
	if err != nil {
		return nil, err
	}
	switch modificationType {
	case modificationTypeQueryUpdated:
		return decodeConcrete[QueryUpdated](src, modificationType)
	case modificationTypeQueryFailed:
		return decodeConcrete[QueryFailed](src, modificationType)
	case modificationTypeQueryRemoved:
		return decodeConcrete[QueryRemoved](src, modificationType)
	default:
		return nil, &ProtocolDecodeError{
			Reason: fmt.Sprintf("unknown modification type %q", modificationType),
		}
	}
}

func peekMessageType(frame []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return "", &ProtocolDecodeError{
			Reason: "malformed frame",
			Err:    err,
		}
	}
	if envelope.Type == "" {
		return "", &ProtocolDecodeError{
			Reason: "missing message type",
		}
	}
	return envelope.Type, nil
}

func decodeConcrete[M any](frame []byte, messageType string) (*M, error) {
	var message M
	if err := json.Unmarshal(frame, &message); err != nil {
		return nil, &ProtocolDecodeError{
			Reason: fmt.Sprintf("malformed %s", messageType),
			Err:    err,
		}
	}
	return &message, nil
}

// prepend the type discriminator to the object encoding of `m`
func taggedMarshal(messageType string, m any) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' || body[len(body)-1] != '}' {
		return nil, fmt.Errorf("message %s must encode as an object", messageType)
	}
	var out bytes.Buffer
	out.Grow(len(body) + len(messageType) + 16)
	fmt.Fprintf(&out, `{"type":%q`, messageType)
	if len(body) == 2 {
		out.WriteByte('}')
	} else {
		out.WriteByte(',')
		out.Write(body[1:])
	}
	return out.Bytes(), nil
}
