package model

import "time"

// Room はメッセージを共有するユーザーの集合を表す。
// 1対1のルームは PairKey、名前付きルームは Name で一意に識別される。
type Room struct {
	ID          string
	Description string
	PairKey     string
	Name        string
	CreatedAt   time.Time
}

// PairKey は2ユーザーの組み合わせから順序に依存しないキーを生成する。
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Message はルームに永続化されたメッセージを表す。作成後は変更されない。
type Message struct {
	ID             string
	RoomID         string
	SenderID       string
	SenderUsername string
	Content        string
	Attachment     string
	CreatedAt      time.Time
}

// HasBody は本文または添付のいずれかを持つかを返す。
func (m *Message) HasBody() bool {
	return m.Content != "" || m.Attachment != ""
}

// Member はチャット一覧に表示する相手メンバーの情報。
type Member struct {
	UserID   string
	Username string
	Online   bool
	LastSeen *time.Time
}

// ChatSummary はユーザーが参加するルームの概要。
type ChatSummary struct {
	RoomID      string
	Description string
	Members     []Member
	LastMessage *Message
}
