package ws

import (
	"encoding/json"
	"time"

	"github.com/hitoshi/chathub/internal/model"
	"github.com/hitoshi/chathub/internal/room"
)

// ルーム接続で扱うフレームのtype。
const (
	TypeChatContent = "chat.content"
	TypeChatStatus  = "chat.status"
)

// errorFrame はエラー通知フレーム。
type errorFrame struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newErrorFrame(apiErr *model.APIError) errorFrame {
	return errorFrame{Error: errorBody{Code: apiErr.Code, Message: apiErr.Message}}
}

type tokensFrame struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type usernameFrame struct {
	Username string `json:"username"`
}

type chatsFrame struct {
	Chats []chatItem `json:"chats"`
}

type chatItem struct {
	RoomUUID    string       `json:"room_uuid"`
	Description string       `json:"description"`
	Members     []memberItem `json:"members"`
	LastMessage *messageItem `json:"last_message,omitempty"`
}

type memberItem struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
	LastSeen string `json:"last_seen,omitempty"`
}

type usersFrame struct {
	Users []model.UserRef `json:"users"`
}

type roomUUIDFrame struct {
	RoomUUID string `json:"room_uuid"`
}

type messagesFrame struct {
	Messages []messageItem `json:"messages"`
}

type messageItem struct {
	Content   string `json:"content,omitempty"`
	File      string `json:"file,omitempty"`
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
}

// ownRequest は自分宛て接続の受信フレーム。
type ownRequest struct {
	SearchQuery *string `json:"search_query"`
	Chat        *string `json:"chat"`
}

// roomRequest はルーム接続の受信フレーム。senderは受け取っても使わない。
type roomRequest struct {
	Type      string          `json:"type"`
	Content   string          `json:"content"`
	File      string          `json:"file"`
	Status    json.RawMessage `json:"status"`
	Timestamp string          `json:"timestamp"`
}

// contentBroadcast はルーム内に配信するメッセージ。
type contentBroadcast struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Sender  string `json:"sender"`
	File    string `json:"file,omitempty"`
}

// statusBroadcast はルーム内に配信する状態通知。statusの中身はそのまま中継する。
type statusBroadcast struct {
	Type   string          `json:"type"`
	Status json.RawMessage `json:"status"`
	Sender string          `json:"sender"`
}

func formatTimestamp(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(room.TimestampLayout)
}

func toMessageItem(m model.Message, loc *time.Location) messageItem {
	return messageItem{
		Content:   m.Content,
		File:      m.Attachment,
		Timestamp: formatTimestamp(m.CreatedAt, loc),
		Sender:    m.SenderUsername,
	}
}

func toChatItems(chats []model.ChatSummary, loc *time.Location) []chatItem {
	items := make([]chatItem, 0, len(chats))
	for _, c := range chats {
		item := chatItem{
			RoomUUID:    c.RoomID,
			Description: c.Description,
			Members:     make([]memberItem, 0, len(c.Members)),
		}
		for _, m := range c.Members {
			mi := memberItem{Username: m.Username, Online: m.Online}
			if m.LastSeen != nil {
				mi.LastSeen = formatTimestamp(*m.LastSeen, loc)
			}
			item.Members = append(item.Members, mi)
		}
		if c.LastMessage != nil {
			lm := toMessageItem(*c.LastMessage, loc)
			item.LastMessage = &lm
		}
		items = append(items, item)
	}
	return items
}
