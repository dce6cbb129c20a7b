package service

import (
	"context"
	"errors"
	"os"

	"audio-fusion/app/broadcast"
	"audio-fusion/app/logger"
	"audio-fusion/app/model"
)

// MediaMetadata 媒体描述信息，获取失败不影响流水线
type MediaMetadata struct {
	Title     string  `json:"title"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail"` // 本地缩略图路径
}

// SegmentResult 单条带时间戳的转写片段
type SegmentResult struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptionResult 转写器的完整输出
type TranscriptionResult struct {
	Text         string          `json:"text"`
	Segments     []SegmentResult `json:"segments"`
	Language     string          `json:"language"`
	LanguageName string          `json:"language_name"`
	Duration     float64         `json:"duration"`
}

// JobStore 任务持久化接口。GetJob 在任务不存在时返回 *NotFoundError。
type JobStore interface {
	GetJob(ctx context.Context, id uint) (*model.Job, error)
	UpdateStatus(ctx context.Context, id uint, status model.JobStatus) error
	UpdateMetadata(ctx context.Context, id uint, meta MediaMetadata) error
	InsertTranscript(ctx context.Context, jobID uint, result *TranscriptionResult) (*model.Transcript, error)
}

// MediaFetcher 媒体获取接口
type MediaFetcher interface {
	IsValidReference(ref string) bool
	FetchMetadata(ctx context.Context, ref string) (*MediaMetadata, error)
	FetchAudio(ctx context.Context, ref string) (string, error)
}

// Transcriber 转写接口
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*TranscriptionResult, error)
}

// Outcome 一次流水线执行的结果
type Outcome struct {
	JobID        uint            `json:"job_id"`
	Status       model.JobStatus `json:"status"`
	TranscriptID uint            `json:"transcript_id"`
}

// PipelineService 转写流水线编排器。按固定顺序驱动单个任务：
// 加载 -> 标记处理中 -> 元数据（尽力而为）-> 下载 -> 提取 -> 转写 -> 持久化 -> 标记完成。
// 每个阶段都会通过广播器发布进度事件；任何失败都会把任务标记为失败、
// 发布终态 error 事件并以类型化错误返回。临时音频文件无论成败都会被删除。
type PipelineService struct {
	logger      *logger.Logger
	store       JobStore
	fetcher     MediaFetcher
	transcriber Transcriber
	broadcaster *broadcast.Broadcaster
	workers     chan struct{} // 控制并发任务数的信号量
}

// NewPipelineService 创建流水线服务
func NewPipelineService(log *logger.Logger, store JobStore, fetcher MediaFetcher, transcriber Transcriber, b *broadcast.Broadcaster, maxConcurrent int) *PipelineService {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &PipelineService{
		logger:      log,
		store:       store,
		fetcher:     fetcher,
		transcriber: transcriber,
		broadcaster: b,
		workers:     make(chan struct{}, maxConcurrent),
	}
}

// Broadcaster 返回进度广播器，供 SSE 层订阅
func (s *PipelineService) Broadcaster() *broadcast.Broadcaster {
	return s.broadcaster
}

// Dispatch 以后台协程方式执行任务，调用方不会阻塞。
// 协程自身的失败只记录日志，不向触发方传播。
func (s *PipelineService) Dispatch(jobID uint) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorf("任务处理协程异常退出: job=%d, %v", jobID, r)
			}
		}()

		// 获取并发槽位
		s.workers <- struct{}{}
		defer func() { <-s.workers }()

		if _, err := s.Run(context.Background(), jobID); err != nil {
			s.logger.Errorf("任务处理失败: job=%d, %v", jobID, err)
		}
	}()
}

// Run 执行一次完整的流水线。返回成功结果或 errors.go 中定义的类型化错误。
// 阶段在单次执行内严格顺序执行，事件按阶段顺序发布。
func (s *PipelineService) Run(ctx context.Context, jobID uint) (*Outcome, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			// 任务不存在时没有可标记失败的记录
			return nil, err
		}
		return nil, s.fail(ctx, jobID, &PersistError{Op: "加载任务", Err: err})
	}

	// 临时音频文件与本次执行绑定，无论成败都在返回前删除
	var audioPath string
	defer func() {
		if audioPath == "" {
			return
		}
		if rmErr := os.Remove(audioPath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warnf("删除临时音频失败: job=%d, path=%s, %v", jobID, audioPath, rmErr)
		}
	}()

	// 标记处理中
	if err := s.store.UpdateStatus(ctx, jobID, model.JobStatusProcessing); err != nil {
		return nil, s.fail(ctx, jobID, &PersistError{Op: "更新任务状态", Err: err})
	}
	s.emit(jobID, broadcast.StagePending, nil, "开始处理...")

	// 元数据为非关键信息：获取或写入失败只记录日志，流水线继续
	if job.Title == "" || job.Thumbnail == "" {
		if meta, metaErr := s.fetcher.FetchMetadata(ctx, job.SourceURL); metaErr != nil {
			s.logger.Warnf("获取媒体元数据失败（忽略）: job=%d, %v", jobID, metaErr)
		} else if meta != nil {
			if saveErr := s.store.UpdateMetadata(ctx, jobID, *meta); saveErr != nil {
				s.logger.Warnf("保存媒体元数据失败（忽略）: job=%d, %v", jobID, saveErr)
			}
		}
	}

	// 下载音频
	s.emit(jobID, broadcast.StageDownloading, progress(0), "正在下载音频...")
	path, err := s.fetcher.FetchAudio(ctx, job.SourceURL)
	if err != nil {
		return nil, s.fail(ctx, jobID, s.asFetchError(job.SourceURL, err))
	}
	audioPath = path
	s.emit(jobID, broadcast.StageDownloading, progress(100), "音频下载完成")

	// 下载阶段已产出最终音频，提取阶段只发布信息性事件
	s.emit(jobID, broadcast.StageExtracting, progress(100), "音频已就绪")

	// 转写
	s.emit(jobID, broadcast.StageTranscribing, progress(0), "正在转写...")
	result, err := s.transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		return nil, s.fail(ctx, jobID, s.asTranscribeError(jobID, err))
	}
	s.emit(jobID, broadcast.StageTranscribing, progress(100), "转写完成")

	// 持久化转写结果
	transcript, err := s.store.InsertTranscript(ctx, jobID, result)
	if err != nil {
		return nil, s.fail(ctx, jobID, &PersistError{Op: "写入转写结果", Err: err})
	}

	// 标记完成
	if err := s.store.UpdateStatus(ctx, jobID, model.JobStatusCompleted); err != nil {
		return nil, s.fail(ctx, jobID, &PersistError{Op: "更新任务状态", Err: err})
	}
	s.emit(jobID, broadcast.StageComplete, progress(100), "处理完成")

	return &Outcome{
		JobID:        jobID,
		Status:       model.JobStatusCompleted,
		TranscriptID: transcript.ID,
	}, nil
}

// fail 统一的失败处理：尽力标记失败状态、尽力发布 error 事件，
// 两者自身的失败只记录日志，不能替换原始错误。
func (s *PipelineService) fail(ctx context.Context, jobID uint, cause error) error {
	if err := s.store.UpdateStatus(ctx, jobID, model.JobStatusFailed); err != nil {
		s.logger.Errorf("标记任务失败状态时出错: job=%d, %v", jobID, err)
	}

	s.broadcaster.Publish(broadcast.ProgressEvent{
		JobID:   jobID,
		Stage:   broadcast.StageError,
		Message: failureMessage(cause),
		Error:   cause.Error(),
	})
	return cause
}

// emit 发布一个普通进度事件
func (s *PipelineService) emit(jobID uint, stage broadcast.Stage, p *int, message string) {
	s.broadcaster.Publish(broadcast.ProgressEvent{
		JobID:    jobID,
		Stage:    stage,
		Progress: p,
		Message:  message,
	})
}

// asFetchError 保证下载阶段的错误是封闭类型之一
func (s *PipelineService) asFetchError(ref string, err error) error {
	var fetchErr *FetchError
	var invalidErr *InvalidReferenceError
	if errors.As(err, &fetchErr) || errors.As(err, &invalidErr) {
		return err
	}
	return &FetchError{Ref: ref, Reason: err.Error(), Err: err}
}

// asTranscribeError 保证转写阶段的错误是封闭类型之一。
// 转写器自身不知道任务 ID，已类型化的错误在这里补上。
func (s *PipelineService) asTranscribeError(jobID uint, err error) error {
	var transcribeErr *TranscribeError
	if errors.As(err, &transcribeErr) {
		if transcribeErr.JobID == 0 {
			transcribeErr.JobID = jobID
		}
		return err
	}
	return &TranscribeError{JobID: jobID, Reason: err.Error(), Err: err}
}

// failureMessage 根据失败类型生成面向用户的提示信息
func failureMessage(err error) string {
	var notFound *NotFoundError
	var invalid *InvalidReferenceError
	var fetch *FetchError
	var transcribe *TranscribeError
	var persist *PersistError

	switch {
	case errors.As(err, &notFound):
		return "任务不存在"
	case errors.As(err, &invalid):
		return "媒体引用无效"
	case errors.As(err, &fetch):
		return "媒体下载失败: " + fetch.Reason
	case errors.As(err, &transcribe):
		return "音频转写失败: " + transcribe.Reason
	case errors.As(err, &persist):
		return "结果保存失败"
	default:
		return err.Error()
	}
}

func progress(n int) *int {
	return &n
}
