package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"audio-fusion/app/broadcast"
	"audio-fusion/app/config"
	"audio-fusion/app/logger"
	"audio-fusion/app/model"
)

// fakeStore 内存任务存储，可按需注入失败
type fakeStore struct {
	mu          sync.Mutex
	jobs        map[uint]*model.Job
	metadata    []MediaMetadata
	transcripts []*TranscriptionResult

	failGet       error
	failStatusFor map[model.JobStatus]error
	failMetadata  error
	failInsert    error
}

func newFakeStore(jobs ...*model.Job) *fakeStore {
	s := &fakeStore{
		jobs:          make(map[uint]*model.Job),
		failStatusFor: make(map[model.JobStatus]error),
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) GetJob(ctx context.Context, id uint) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, &NotFoundError{JobID: id}
	}
	copied := *job
	return &copied, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id uint, status model.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failStatusFor[status]; err != nil {
		return err
	}
	if job, ok := s.jobs[id]; ok {
		job.Status = status
	}
	return nil
}

func (s *fakeStore) UpdateMetadata(ctx context.Context, id uint, meta MediaMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMetadata != nil {
		return s.failMetadata
	}
	s.metadata = append(s.metadata, meta)
	return nil
}

func (s *fakeStore) InsertTranscript(ctx context.Context, jobID uint, result *TranscriptionResult) (*model.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert != nil {
		return nil, s.failInsert
	}
	s.transcripts = append(s.transcripts, result)
	return &model.Transcript{ID: uint(len(s.transcripts)), JobID: jobID, Text: result.Text}, nil
}

func (s *fakeStore) status(id uint) model.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Status
}

// fakeFetcher 可配置的媒体获取器
type fakeFetcher struct {
	metaErr  error
	meta     *MediaMetadata
	audioErr error
	audio    string
}

func (f *fakeFetcher) IsValidReference(ref string) bool { return ref != "" }

func (f *fakeFetcher) FetchMetadata(ctx context.Context, ref string) (*MediaMetadata, error) {
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	return f.meta, nil
}

func (f *fakeFetcher) FetchAudio(ctx context.Context, ref string) (string, error) {
	if f.audioErr != nil {
		return "", f.audioErr
	}
	return f.audio, nil
}

// fakeTranscriber 可配置的转写器
type fakeTranscriber struct {
	result *TranscriptionResult
	err    error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string) (*TranscriptionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testLogger() *logger.Logger {
	return logger.New(config.LogConfig{Level: "error", Format: "text", Output: "stdout"})
}

// writeTempAudio 创建一个真实的临时文件，用于验证清理行为
func writeTempAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio_test.m4a")
	if err := os.WriteFile(path, []byte("fake audio"), 0644); err != nil {
		t.Fatalf("创建临时音频失败: %v", err)
	}
	return path
}

func helloResult() *TranscriptionResult {
	return &TranscriptionResult{
		Text:     "hello",
		Segments: []SegmentResult{{Start: 0, End: 1, Text: "hello"}},
		Language: "en",
		Duration: 1,
	}
}

func newTestPipeline(store JobStore, fetcher MediaFetcher, transcriber Transcriber) (*PipelineService, *broadcast.Broadcaster) {
	b := broadcast.New()
	svc := NewPipelineService(testLogger(), store, fetcher, transcriber, b, 2)
	return svc, b
}

// collectEvents 读取 n 个事件，超时失败
func collectEvents(t *testing.T, ch <-chan broadcast.ProgressEvent, n int) []broadcast.ProgressEvent {
	t.Helper()
	events := make([]broadcast.ProgressEvent, 0, n)
	for len(events) < n {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("等待事件超时: 期望 %d 个，已收到 %d 个", n, len(events))
		}
	}
	return events
}

func assertStage(t *testing.T, ev broadcast.ProgressEvent, stage broadcast.Stage, progress *int) {
	t.Helper()
	if ev.Stage != stage {
		t.Errorf("事件阶段 = %s, 期望 %s", ev.Stage, stage)
	}
	if progress == nil {
		if ev.Progress != nil {
			t.Errorf("阶段 %s 不应携带进度，实际 %d", stage, *ev.Progress)
		}
	} else if ev.Progress == nil || *ev.Progress != *progress {
		t.Errorf("阶段 %s 进度错误, 期望 %d", stage, *progress)
	}
}

func intp(n int) *int { return &n }

func TestRunSuccessEmitsStagesInOrder(t *testing.T) {
	store := newFakeStore(&model.Job{ID: 1, SourceURL: "https://example.com/v", Title: "t", Thumbnail: "x"})
	fetcher := &fakeFetcher{audio: writeTempAudio(t)}
	svc, b := newTestPipeline(store, fetcher, &fakeTranscriber{result: helloResult()})
	defer b.Close()

	ch, cancel := b.SubscribeJob(1)
	defer cancel()

	outcome, err := svc.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("Run() 出错: %v", err)
	}
	if outcome.JobID != 1 || outcome.Status != model.JobStatusCompleted || outcome.TranscriptID == 0 {
		t.Errorf("结果错误: %+v", outcome)
	}

	events := collectEvents(t, ch, 7)
	assertStage(t, events[0], broadcast.StagePending, nil)
	assertStage(t, events[1], broadcast.StageDownloading, intp(0))
	assertStage(t, events[2], broadcast.StageDownloading, intp(100))
	assertStage(t, events[3], broadcast.StageExtracting, intp(100))
	assertStage(t, events[4], broadcast.StageTranscribing, intp(0))
	assertStage(t, events[5], broadcast.StageTranscribing, intp(100))
	assertStage(t, events[6], broadcast.StageComplete, intp(100))

	// 终态事件之后不再有事件
	select {
	case ev := <-ch:
		t.Errorf("终态之后不应有事件: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	if got := store.status(1); got != model.JobStatusCompleted {
		t.Errorf("任务状态 = %s, 期望 completed", got)
	}
	if len(store.transcripts) != 1 || store.transcripts[0].Text != "hello" {
		t.Errorf("转写结果写入错误: %+v", store.transcripts)
	}
}

func TestRunRemovesTempAudioOnSuccess(t *testing.T) {
	store := newFakeStore(&model.Job{ID: 1, SourceURL: "u", Title: "t", Thumbnail: "x"})
	audio := writeTempAudio(t)
	svc, b := newTestPipeline(store, &fakeFetcher{audio: audio}, &fakeTranscriber{result: helloResult()})
	defer b.Close()

	if _, err := svc.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run() 出错: %v", err)
	}
	if _, err := os.Stat(audio); !os.IsNotExist(err) {
		t.Errorf("成功后临时音频应被删除: %s", audio)
	}
}

func TestRunRemovesTempAudioOnFailure(t *testing.T) {
	store := newFakeStore(&model.Job{ID: 1, SourceURL: "u", Title: "t", Thumbnail: "x"})
	audio := writeTempAudio(t)
	svc, b := newTestPipeline(store, &fakeFetcher{audio: audio},
		&fakeTranscriber{err: errors.New("model crashed")})
	defer b.Close()

	if _, err := svc.Run(context.Background(), 1); err == nil {
		t.Fatal("Run() 应返回错误")
	}
	if _, err := os.Stat(audio); !os.IsNotExist(err) {
		t.Errorf("失败后临时音频应被删除: %s", audio)
	}
	if got := store.status(1); got != model.JobStatusFailed {
		t.Errorf("任务状态 = %s, 期望 failed", got)
	}
}

func TestRunNotFound(t *testing.T) {
	svc, b := newTestPipeline(newFakeStore(), &fakeFetcher{}, &fakeTranscriber{})
	defer b.Close()

	_, err := svc.Run(context.Background(), 42)
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("错误类型 = %T, 期望 *NotFoundError", err)
	}
	if notFound.JobID != 42 {
		t.Errorf("JobID = %d, 期望 42", notFound.JobID)
	}
}

func TestRunFetchFailure(t *testing.T) {
	store := newFakeStore(&model.Job{ID: 2, SourceURL: "https://example.com/v", Title: "t", Thumbnail: "x"})
	svc, b := newTestPipeline(store,
		&fakeFetcher{audioErr: errors.New("network")}, &fakeTranscriber{})
	defer b.Close()

	ch, cancel := b.SubscribeJob(2)
	defer cancel()

	_, err := svc.Run(context.Background(), 2)
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("错误类型 = %T, 期望 *FetchError", err)
	}
	if fetchErr.Reason != "network" {
		t.Errorf("Reason = %q, 期望 network", fetchErr.Reason)
	}
	if got := store.status(2); got != model.JobStatusFailed {
		t.Errorf("任务状态 = %s, 期望 failed", got)
	}

	// pending, downloading(0%), error
	events := collectEvents(t, ch, 3)
	last := events[len(events)-1]
	if last.Stage != broadcast.StageError {
		t.Errorf("最后事件阶段 = %s, 期望 error", last.Stage)
	}
	if !strings.Contains(last.Error, "network") {
		t.Errorf("error 字段应包含失败原因: %q", last.Error)
	}
}

func TestRunTranscribeFailure(t *testing.T) {
	store := newFakeStore(&model.Job{ID: 1, SourceURL: "u", Title: "t", Thumbnail: "x"})
	svc, b := newTestPipeline(store, &fakeFetcher{audio: writeTempAudio(t)},
		&fakeTranscriber{err: errors.New("gpu oom")})
	defer b.Close()

	_, err := svc.Run(context.Background(), 1)
	var transcribeErr *TranscribeError
	if !errors.As(err, &transcribeErr) {
		t.Fatalf("错误类型 = %T, 期望 *TranscribeError", err)
	}
	if transcribeErr.JobID != 1 || transcribeErr.Reason != "gpu oom" {
		t.Errorf("错误内容错误: %+v", transcribeErr)
	}
}

func TestPreTypedTranscribeErrorCarriesJobID(t *testing.T) {
	// 转写器返回的类型化错误没有任务 ID，流水线要补上
	store := newFakeStore(&model.Job{ID: 7, SourceURL: "u", Title: "t", Thumbnail: "x"})
	svc, b := newTestPipeline(store, &fakeFetcher{audio: writeTempAudio(t)},
		&fakeTranscriber{err: &TranscribeError{Reason: "模型崩溃"}})
	defer b.Close()

	_, err := svc.Run(context.Background(), 7)
	var transcribeErr *TranscribeError
	if !errors.As(err, &transcribeErr) {
		t.Fatalf("错误类型 = %T, 期望 *TranscribeError", err)
	}
	if transcribeErr.JobID != 7 {
		t.Errorf("JobID = %d, 期望 7", transcribeErr.JobID)
	}
	if transcribeErr.Reason != "模型崩溃" {
		t.Errorf("Reason = %q, 不应被改写", transcribeErr.Reason)
	}
}

func TestLoadFailureMarksJobFailed(t *testing.T) {
	// 读取任务失败（而非不存在）也要走统一的失败处理
	store := newFakeStore(&model.Job{ID: 1, SourceURL: "u", Title: "t", Thumbnail: "x"})
	store.failGet = errors.New("database is locked")
	svc, b := newTestPipeline(store, &fakeFetcher{}, &fakeTranscriber{})
	defer b.Close()

	ch, cancel := b.SubscribeJob(1)
	defer cancel()

	_, err := svc.Run(context.Background(), 1)
	var persistErr *PersistError
	if !errors.As(err, &persistErr) {
		t.Fatalf("错误类型 = %T, 期望 *PersistError", err)
	}

	events := collectEvents(t, ch, 1)
	if events[0].Stage != broadcast.StageError {
		t.Errorf("事件阶段 = %s, 期望 error", events[0].Stage)
	}

	if got := store.status(1); got != model.JobStatusFailed {
		t.Errorf("任务状态 = %s, 期望 failed", got)
	}
}

func TestRunPersistFailure(t *testing.T) {
	store := newFakeStore(&model.Job{ID: 1, SourceURL: "u", Title: "t", Thumbnail: "x"})
	store.failInsert = errors.New("disk full")
	svc, b := newTestPipeline(store, &fakeFetcher{audio: writeTempAudio(t)},
		&fakeTranscriber{result: helloResult()})
	defer b.Close()

	_, err := svc.Run(context.Background(), 1)
	var persistErr *PersistError
	if !errors.As(err, &persistErr) {
		t.Fatalf("错误类型 = %T, 期望 *PersistError", err)
	}
	if got := store.status(1); got != model.JobStatusFailed {
		t.Errorf("任务状态 = %s, 期望 failed", got)
	}
}

func TestMetadataFailureIsNotFatal(t *testing.T) {
	// 任务缺少元数据，元数据获取失败，但下载和转写都成功
	store := newFakeStore(&model.Job{ID: 1, SourceURL: "u"})
	svc, b := newTestPipeline(store,
		&fakeFetcher{metaErr: errors.New("oembed down"), audio: writeTempAudio(t)},
		&fakeTranscriber{result: helloResult()})
	defer b.Close()

	outcome, err := svc.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("元数据失败不应导致整体失败: %v", err)
	}
	if outcome.Status != model.JobStatusCompleted {
		t.Errorf("状态 = %s, 期望 completed", outcome.Status)
	}
}

func TestMetadataPersisted(t *testing.T) {
	store := newFakeStore(&model.Job{ID: 1, SourceURL: "u"})
	svc, b := newTestPipeline(store,
		&fakeFetcher{meta: &MediaMetadata{Title: "demo", Duration: 3}, audio: writeTempAudio(t)},
		&fakeTranscriber{result: helloResult()})
	defer b.Close()

	if _, err := svc.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run() 出错: %v", err)
	}
	if len(store.metadata) != 1 || store.metadata[0].Title != "demo" {
		t.Errorf("元数据写入错误: %+v", store.metadata)
	}
}

func TestMetadataSkippedWhenAlreadyPresent(t *testing.T) {
	store := newFakeStore(&model.Job{ID: 1, SourceURL: "u", Title: "t", Thumbnail: "x"})
	svc, b := newTestPipeline(store,
		&fakeFetcher{meta: &MediaMetadata{Title: "ignored"}, audio: writeTempAudio(t)},
		&fakeTranscriber{result: helloResult()})
	defer b.Close()

	if _, err := svc.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run() 出错: %v", err)
	}
	if len(store.metadata) != 0 {
		t.Errorf("已有元数据时不应重复获取: %+v", store.metadata)
	}
}

func TestMarkFailedErrorDoesNotMaskOriginal(t *testing.T) {
	store := newFakeStore(&model.Job{ID: 1, SourceURL: "u", Title: "t", Thumbnail: "x"})
	store.failStatusFor[model.JobStatusFailed] = errors.New("db gone")
	svc, b := newTestPipeline(store,
		&fakeFetcher{audioErr: errors.New("network")}, &fakeTranscriber{})
	defer b.Close()

	_, err := svc.Run(context.Background(), 1)
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("原始错误被替换: %T %v", err, err)
	}
}

func TestSubscriberIsolationAcrossJobs(t *testing.T) {
	store := newFakeStore(
		&model.Job{ID: 1, SourceURL: "u1", Title: "t", Thumbnail: "x"},
		&model.Job{ID: 2, SourceURL: "u2", Title: "t", Thumbnail: "x"},
	)
	svc, b := newTestPipeline(store, &fakeFetcher{audio: writeTempAudio(t)},
		&fakeTranscriber{result: helloResult()})
	defer b.Close()

	ch1, cancel1 := b.SubscribeJob(1)
	defer cancel1()
	ch2, cancel2 := b.SubscribeJob(2)
	defer cancel2()

	if _, err := svc.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run() 出错: %v", err)
	}

	events := collectEvents(t, ch1, 7)
	for _, ev := range events {
		if ev.JobID != 1 {
			t.Errorf("订阅者收到其他任务的事件: %+v", ev)
		}
	}
	select {
	case ev := <-ch2:
		t.Errorf("任务2的订阅者不应收到任务1的事件: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatchRunsDetached(t *testing.T) {
	store := newFakeStore(&model.Job{ID: 1, SourceURL: "u", Title: "t", Thumbnail: "x"})
	svc, b := newTestPipeline(store, &fakeFetcher{audio: writeTempAudio(t)},
		&fakeTranscriber{result: helloResult()})
	defer b.Close()

	ch, cancel := b.SubscribeJob(1)
	defer cancel()

	// Dispatch 立即返回，结果通过事件观察
	svc.Dispatch(1)

	events := collectEvents(t, ch, 7)
	if events[len(events)-1].Stage != broadcast.StageComplete {
		t.Errorf("最后事件 = %s, 期望 complete", events[len(events)-1].Stage)
	}
}
