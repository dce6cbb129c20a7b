package filewatcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"audio-fusion/app/config"
	"audio-fusion/app/logger"

	"github.com/fsnotify/fsnotify"
)

// IngestFunc 发现新媒体文件后的回调，由上层负责创建任务并触发流水线
type IngestFunc func(path string)

// Watcher 目录监听器。放入监听目录的媒体文件会自动进入转写流水线。
type Watcher struct {
	cfg      *config.WatcherConfig
	logger   *logger.Logger
	ingest   IngestFunc
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	wg       sync.WaitGroup
	watching bool
	mu       sync.Mutex

	// 已投递的文件，避免同一文件的多次写入事件重复建任务
	seen   map[string]struct{}
	seenMu sync.Mutex
}

// New 创建目录监听器；未启用时返回 nil，调用方对 nil 安全
func New(cfg *config.WatcherConfig, log *logger.Logger, ingest IngestFunc) (*Watcher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Dirs) == 0 {
		return nil, fmt.Errorf("目录监听已启用但没有配置任何目录")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监听器失败: %w", err)
	}

	return &Watcher{
		cfg:     cfg,
		logger:  log,
		ingest:  ingest,
		watcher: fw,
		stopCh:  make(chan struct{}),
		seen:    make(map[string]struct{}),
	}, nil
}

// Start 启动监听
func (w *Watcher) Start() error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watching {
		return fmt.Errorf("目录监听器已经在运行")
	}

	for _, dir := range w.cfg.Dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return fmt.Errorf("监听目录不存在: %s", dir)
		}
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("添加监听目录失败: %s, %w", dir, err)
		}
	}

	w.watching = true
	w.wg.Add(1)
	go w.watchLoop()

	w.logger.Infof("目录监听器已启动，监听 %d 个目录", len(w.cfg.Dirs))
	return nil
}

// Stop 停止监听
func (w *Watcher) Stop() {
	if w == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.watching {
		return
	}

	close(w.stopCh)
	w.watcher.Close()
	w.wg.Wait()
	w.watching = false

	w.logger.Info("目录监听器已停止")
}

// watchLoop 监听事件循环
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("目录监听器错误: %v", err)

		case <-w.stopCh:
			return
		}
	}
}

// handleEvent 只关心新建和写入事件中的媒体文件
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !w.isMediaFile(event.Name) {
		return
	}

	w.seenMu.Lock()
	if _, dup := w.seen[event.Name]; dup {
		w.seenMu.Unlock()
		return
	}
	w.seen[event.Name] = struct{}{}
	w.seenMu.Unlock()

	// 等待文件写入完成后再投递
	go w.waitAndIngest(event.Name)
}

// waitAndIngest 轮询文件大小直到稳定，认为写入完成后触发回调
func (w *Watcher) waitAndIngest(path string) {
	var lastSize int64 = -1
	stable := 0

	for {
		select {
		case <-w.stopCh:
			return
		case <-time.After(2 * time.Second):
		}

		info, err := os.Stat(path)
		if err != nil {
			// 文件被移走或删除，放弃并允许之后重新投递
			w.forget(path)
			return
		}

		if info.Size() == lastSize {
			stable++
			if stable >= 2 {
				break
			}
		} else {
			stable = 0
			lastSize = info.Size()
		}
	}

	w.logger.Infof("发现新媒体文件: %s", path)
	w.ingest(path)
}

// forget 从去重表中移除文件
func (w *Watcher) forget(path string) {
	w.seenMu.Lock()
	delete(w.seen, path)
	w.seenMu.Unlock()
}

// isMediaFile 按配置的扩展名过滤
func (w *Watcher) isMediaFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range w.cfg.Extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}
