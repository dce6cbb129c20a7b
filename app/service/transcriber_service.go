package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"audio-fusion/app/config"
	"audio-fusion/app/logger"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"resty.dev/v3"
)

// whisperSegment 转写接口返回的单个片段
type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// whisperResponse verbose_json 格式的转写响应
type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []whisperSegment `json:"segments"`
}

// WhisperTranscriber 基于 OpenAI 兼容接口的转写实现
type WhisperTranscriber struct {
	logger *logger.Logger
	cfg    *config.Config
	client *resty.Client
}

// NewWhisperTranscriber 创建转写服务
func NewWhisperTranscriber(cfg *config.Config, log *logger.Logger) *WhisperTranscriber {
	client := resty.New()
	client.SetBaseURL(cfg.Whisper.BaseURL)
	client.SetTimeout(time.Duration(cfg.Whisper.Timeout) * time.Minute)
	if cfg.Whisper.APIKey != "" {
		client.SetAuthToken(cfg.Whisper.APIKey)
	}

	return &WhisperTranscriber{
		logger: log,
		cfg:    cfg,
		client: client,
	}
}

// Transcribe 上传音频文件并解析 verbose_json 响应
func (t *WhisperTranscriber) Transcribe(ctx context.Context, audioPath string) (*TranscriptionResult, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, &TranscribeError{Reason: "打开音频文件失败", Err: err}
	}
	defer file.Close()

	var response whisperResponse

	resp, err := t.client.R().
		SetContext(ctx).
		SetFileReader("file", filepath.Base(audioPath), file).
		SetFormData(map[string]string{
			"model":           t.cfg.Whisper.Model,
			"response_format": "verbose_json",
		}).
		SetResult(&response).
		Post("/v1/audio/transcriptions")
	if err != nil {
		return nil, &TranscribeError{Reason: "请求转写接口失败", Err: err}
	}
	if resp.StatusCode() != 200 {
		return nil, &TranscribeError{
			Reason: fmt.Sprintf("转写接口返回状态码 %d: %s", resp.StatusCode(), resp.String()),
		}
	}

	result := &TranscriptionResult{
		Text:         strings.TrimSpace(response.Text),
		Language:     response.Language,
		LanguageName: languageDisplayName(response.Language),
		Duration:     response.Duration,
	}
	for _, seg := range response.Segments {
		result.Segments = append(result.Segments, SegmentResult{
			Start: seg.Start,
			End:   seg.End,
			Text:  strings.TrimSpace(seg.Text),
		})
	}

	t.logger.Infof("转写完成: path=%s, 语言=%s, 片段数=%d", audioPath, result.Language, len(result.Segments))
	return result, nil
}

// languageDisplayName 把语言代码转成该语言的本地显示名称，
// 无法解析时原样返回代码
func languageDisplayName(code string) string {
	if code == "" {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.Self.Name(tag); name != "" {
		return name
	}
	return code
}
