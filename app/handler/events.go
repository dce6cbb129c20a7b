package handler

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"audio-fusion/app/broadcast"
	"audio-fusion/app/logger"

	"github.com/gin-gonic/gin"
)

// 心跳间隔，防止中间代理断开空闲连接
const heartbeatInterval = 30 * time.Second

// EventHandler 通过 SSE 向客户端推送进度事件
type EventHandler struct {
	logger      *logger.Logger
	broadcaster *broadcast.Broadcaster
}

// NewEventHandler 创建事件处理器
func NewEventHandler(log *logger.Logger, b *broadcast.Broadcaster) *EventHandler {
	return &EventHandler{
		logger:      log,
		broadcaster: b,
	}
}

// StreamAll 推送全部任务的进度事件
func (h *EventHandler) StreamAll(c *gin.Context) {
	ch, cancel := h.broadcaster.SubscribeAll()
	h.stream(c, ch, cancel)
}

// StreamJob 推送指定任务的进度事件
func (h *EventHandler) StreamJob(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		respondError(c, http.StatusBadRequest, 400, "任务ID格式错误")
		return
	}

	ch, cancel := h.broadcaster.SubscribeJob(uint(id))
	h.stream(c, ch, cancel)
}

// stream 持续推送事件直到客户端断开。
// 断开只取消自己的订阅，不影响流水线和其他订阅者。
func (h *EventHandler) stream(c *gin.Context, ch <-chan broadcast.ProgressEvent, cancel func()) {
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("progress", ev)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
