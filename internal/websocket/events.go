package chatws

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Server frame types.
const (
	FrameConnected      = "connected"
	FrameJoined         = "joined"
	FrameLeft           = "left"
	FrameError          = "error"
	FrameNewMessage     = "newMessage"
	FrameUpdateChatList = "updateChatList"
	FrameChatCreated    = "chat_created"
)

const (
	userChannelPrefix = "user:"
	chatChannelPrefix = "chat:"
)

// UserChannel is the personal channel every connection of userID joins on attach.
func UserChannel(userID int64) string {
	return userChannelPrefix + strconv.FormatInt(userID, 10)
}

// ChatChannel is the conversation channel joined through a "join" frame.
func ChatChannel(conversationID int64) string {
	return chatChannelPrefix + strconv.FormatInt(conversationID, 10)
}

func isUserChannel(name string) bool {
	return strings.HasPrefix(name, userChannelPrefix)
}

// Frame is the envelope of every server-to-client message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is one publish to one channel. When MineData is set, connections of
// AuthorID receive it instead of Data, which lets a single publish carry the
// per-recipient is_mine flag.
type Event struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	Data     json.RawMessage `json:"data"`
	MineData json.RawMessage `json:"mine_data,omitempty"`
	AuthorID int64           `json:"author_id,omitempty"`
}

func NewEvent(frameType string, channel string, data any) (Event, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: frameType, Channel: channel, Data: encoded}, nil
}

// WithAuthorView attaches the payload seen by the author's own connections.
func (e Event) WithAuthorView(authorID int64, data any) (Event, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	e.AuthorID = authorID
	e.MineData = encoded
	return e, nil
}

// frames returns the encoded frame for other recipients and, when the event
// has an author view, the encoded frame for the author.
func (e Event) frames() (other []byte, mine []byte, err error) {
	other, err = json.Marshal(Frame{Type: e.Type, Data: e.Data})
	if err != nil {
		return nil, nil, err
	}
	if len(e.MineData) == 0 {
		return other, other, nil
	}
	mine, err = json.Marshal(Frame{Type: e.Type, Data: e.MineData})
	if err != nil {
		return nil, nil, err
	}
	return other, mine, nil
}

func encodeFrame(frameType string, data any) ([]byte, error) {
	if data == nil {
		return json.Marshal(Frame{Type: frameType})
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: frameType, Data: encoded})
}
