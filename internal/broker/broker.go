// Package broker はトピック単位のインメモリ配信（ファンアウト）を提供する。
// 配信はベストエフォートで、接続中の購読者にのみ届く。
package broker

import (
	"log/slog"
	"sync"
)

// Kind はイベントの種類。
type Kind string

const (
	// KindContent は永続化済みメッセージの配信。
	KindContent Kind = "content"
	// KindStatus は永続化されない状態通知（入力中表示、プレゼンス変化など）。
	KindStatus Kind = "status"
)

// Event はトピックに配信されるイベント。Payloadは送信用にエンコード済みのフレーム。
type Event struct {
	Kind    Kind
	Topic   string
	Payload []byte
}

// Subscriber はイベントの受け手。
// Deliver はブロックしてはならず、キューが満杯または閉じている場合はfalseを返す。
type Subscriber interface {
	ID() string
	Deliver(ev Event) bool
}

// Recorder は配信結果を記録する。metrics.Collectorが実装する。
type Recorder interface {
	EventPublished(kind string)
	DeliveryDropped(kind string)
}

type topic struct {
	mu   sync.Mutex
	subs []Subscriber
}

// Broker はトピックから購読者集合への対応を管理する。
// 同一トピックへのPublishはトピックごとのロックで直列化されるため、
// 各購読者は発行順にイベントを受け取る。
type Broker struct {
	mu       sync.RWMutex
	topics   map[string]*topic
	logger   *slog.Logger
	recorder Recorder
}

// New はBrokerを生成する。recorderはnilでもよい。
func New(logger *slog.Logger, recorder Recorder) *Broker {
	return &Broker{
		topics:   make(map[string]*topic),
		logger:   logger,
		recorder: recorder,
	}
}

// Subscribe は購読者をトピックに登録する。登録済みの場合は何もしない。
func (b *Broker) Subscribe(name string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		t = &topic{}
		b.topics[name] = t
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs {
		if s == sub {
			return
		}
	}
	t.subs = append(t.subs, sub)
}

// Unsubscribe は購読者をトピックから外す。購読者がいなくなったトピックは削除される。
func (b *Broker) Unsubscribe(name string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[name]; ok {
		b.removeLocked(name, t, sub)
	}
}

// UnsubscribeAll は購読者を全トピックから外す。
func (b *Broker) UnsubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, t := range b.topics {
		b.removeLocked(name, t, sub)
	}
}

// removeLocked はb.muを保持した状態で呼び出す。
func (b *Broker) removeLocked(name string, t *topic, sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.subs {
		if s == sub {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			break
		}
	}
	if len(t.subs) == 0 {
		delete(b.topics, name)
	}
}

// Publish はトピックの全購読者に登録順でイベントを配信し、受け付けられた件数を返す。
// 購読者がいない場合は何もしない。キューが満杯の購読者への配信は破棄される。
func (b *Broker) Publish(name string, ev Event) int {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()

	if b.recorder != nil {
		b.recorder.EventPublished(string(ev.Kind))
	}
	if !ok {
		return 0
	}

	ev.Topic = name

	t.mu.Lock()
	defer t.mu.Unlock()

	delivered := 0
	for _, sub := range t.subs {
		if sub.Deliver(ev) {
			delivered++
			continue
		}
		if b.recorder != nil {
			b.recorder.DeliveryDropped(string(ev.Kind))
		}
		b.logger.Warn("送信キューが満杯のためイベントを破棄しました",
			slog.String("topic", name),
			slog.String("subscriber", sub.ID()),
			slog.String("kind", string(ev.Kind)),
		)
	}
	return delivered
}

// SubscriberCount はトピックの購読者数を返す。
func (b *Broker) SubscriberCount(name string) int {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// TopicCount は購読者が存在するトピック数を返す。
func (b *Broker) TopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}
