package broadcast

import (
	"sync"
	"time"
)

// Stage 进度阶段，比持久化的任务状态更细
type Stage string

const (
	StagePending      Stage = "pending"      // 任务开始
	StageDownloading  Stage = "downloading"  // 下载音频
	StageExtracting   Stage = "extracting"   // 提取音频（信息性事件，下载已产出最终音频）
	StageTranscribing Stage = "transcribing" // 转写中
	StageComplete     Stage = "complete"     // 完成（终态事件）
	StageError        Stage = "error"        // 失败（终态事件）
)

// ProgressEvent 进度事件，仅在内存中分发，不持久化
type ProgressEvent struct {
	JobID     uint      `json:"job_id"`
	Stage     Stage     `json:"stage"`
	Progress  *int      `json:"progress,omitempty"` // 0-100，可选
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"` // 仅 stage=error 时存在
	Timestamp time.Time `json:"timestamp"`
}

// subscriber 单个订阅者，拥有独立的无界队列，由专属协程向外投递。
// Publish 只向队列追加，永远不会被慢订阅者阻塞。
type subscriber struct {
	match func(ProgressEvent) bool
	out   chan ProgressEvent
	done  chan struct{}
	once  sync.Once

	mu    sync.Mutex
	queue []ProgressEvent
	wake  chan struct{}
}

func (s *subscriber) push(ev ProgressEvent) {
	if !s.match(ev) {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	// 非阻塞唤醒投递协程
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump 将队列中的事件按顺序投递到订阅者通道，直到订阅被取消
func (s *subscriber) pump() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscriber) cancel() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Broadcaster 进度事件广播器。发布与订阅可并发调用；
// 每个订阅者独立接收订阅之后发布的全部事件，没有历史回放。
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

// New 创建广播器
func New() *Broadcaster {
	return &Broadcaster{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish 向所有当前订阅者分发事件，调用方永远不会阻塞。
// 时间戳为空时自动补齐。
func (b *Broadcaster) Publish(ev ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.push(ev)
	}
}

// SubscribeJob 订阅指定任务的事件，返回事件通道和取消函数。
// 取消只释放该订阅者自身的资源，不影响其他订阅者和发布方。
func (b *Broadcaster) SubscribeJob(jobID uint) (<-chan ProgressEvent, func()) {
	return b.subscribe(func(ev ProgressEvent) bool {
		return ev.JobID == jobID
	})
}

// SubscribeAll 订阅全部任务的事件
func (b *Broadcaster) SubscribeAll() (<-chan ProgressEvent, func()) {
	return b.subscribe(func(ProgressEvent) bool {
		return true
	})
}

func (b *Broadcaster) subscribe(match func(ProgressEvent) bool) (<-chan ProgressEvent, func()) {
	s := &subscriber{
		match: match,
		out:   make(chan ProgressEvent),
		done:  make(chan struct{}),
		wake:  make(chan struct{}, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.cancel()
		return s.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.pump()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.cancel()
	}
	return s.out, cancel
}

// SubscriberCount 当前订阅者数量
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close 关闭广播器，取消所有订阅，之后的 Publish 会被丢弃
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
}
