package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"audio-fusion/app/config"
	"audio-fusion/app/logger"
	"audio-fusion/app/utils/downloader"
	"audio-fusion/app/utils/thumbnail"

	"github.com/patrickmn/go-cache"
	"resty.dev/v3"
)

// oEmbed 聚合服务，支持大多数主流视频平台
const oembedEndpoint = "https://noembed.com/embed"

// oembedResponse noembed 返回的字段（只取用到的部分）
type oembedResponse struct {
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnail_url"`
	Duration     float64 `json:"duration"`
	Error        string `json:"error"`
}

// FetcherService 媒体获取服务。URL 引用通过 yt-dlp 下载音频、
// 通过 oEmbed 接口获取元数据；监听目录投递的本地文件直接复制进工作目录。
type FetcherService struct {
	logger *logger.Logger
	cfg    *config.Config
	client *resty.Client
	cache  *cache.Cache // 元数据缓存，避免重复请求 oEmbed
}

// NewFetcherService 创建媒体获取服务
func NewFetcherService(cfg *config.Config, log *logger.Logger) *FetcherService {
	client := resty.New()
	client.SetTimeout(30 * time.Second)

	return &FetcherService{
		logger: log,
		cfg:    cfg,
		client: client,
		cache:  cache.New(6*time.Hour, 30*time.Minute),
	}
}

// IsValidReference 检查媒体引用是否合法：
// 带主机名的 http/https 链接，或存在且扩展名可识别的本地文件
func (s *FetcherService) IsValidReference(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false
	}

	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		u, err := url.Parse(ref)
		return err == nil && u.Host != ""
	}

	// 本地文件：必须存在且是配置允许的媒体扩展名
	info, err := os.Stat(ref)
	if err != nil || info.IsDir() {
		return false
	}
	return s.isMediaFile(ref)
}

// isMediaFile 按配置的扩展名判断是否为媒体文件
func (s *FetcherService) isMediaFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range s.cfg.Watcher.Extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// FetchMetadata 获取媒体描述信息并把缩略图落到本地。
// 结果会被缓存；失败由调用方决定是否忽略（流水线中为尽力而为）。
func (s *FetcherService) FetchMetadata(ctx context.Context, ref string) (*MediaMetadata, error) {
	if cached, ok := s.cache.Get(ref); ok {
		meta := cached.(MediaMetadata)
		return &meta, nil
	}

	var meta *MediaMetadata
	var err error
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		meta, err = s.fetchRemoteMetadata(ctx, ref)
	} else {
		meta, err = s.localFileMetadata(ref)
	}
	if err != nil {
		return nil, err
	}

	s.cache.Set(ref, *meta, cache.DefaultExpiration)
	return meta, nil
}

// fetchRemoteMetadata 通过 oEmbed 接口获取标题和缩略图
func (s *FetcherService) fetchRemoteMetadata(ctx context.Context, ref string) (*MediaMetadata, error) {
	var response oembedResponse

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("url", ref).
		SetResult(&response).
		Get(oembedEndpoint)
	if err != nil {
		return nil, fmt.Errorf("请求 oEmbed 接口失败: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("获取元数据失败，状态码: %d, 响应: %s", resp.StatusCode(), resp.String())
	}
	if response.Error != "" {
		return nil, fmt.Errorf("oEmbed 返回错误: %s", response.Error)
	}

	meta := &MediaMetadata{
		Title:    response.Title,
		Duration: response.Duration,
	}

	// 缩略图处理失败不影响其余元数据
	if localThumb, err := s.localizeThumbnail(ref, response.ThumbnailURL); err != nil {
		s.logger.Warnf("缩略图处理失败: ref=%s, %v", ref, err)
	} else {
		meta.Thumbnail = localThumb
	}

	return meta, nil
}

// localFileMetadata 本地文件的元数据：标题取文件名，封面用占位图
func (s *FetcherService) localFileMetadata(ref string) (*MediaMetadata, error) {
	base := filepath.Base(ref)
	title := strings.TrimSuffix(base, filepath.Ext(base))

	meta := &MediaMetadata{Title: title}

	thumbPath := s.thumbnailPath(ref)
	if err := thumbnail.GeneratePlaceholder(title, thumbPath); err != nil {
		s.logger.Warnf("生成占位封面失败: ref=%s, %v", ref, err)
	} else {
		meta.Thumbnail = thumbPath
	}

	return meta, nil
}

// localizeThumbnail 下载远程缩略图并统一尺寸；没有缩略图时生成占位封面
func (s *FetcherService) localizeThumbnail(ref, thumbnailURL string) (string, error) {
	thumbPath := s.thumbnailPath(ref)

	if thumbnailURL == "" {
		if err := thumbnail.GeneratePlaceholder(ref, thumbPath); err != nil {
			return "", err
		}
		return thumbPath, nil
	}

	rawPath := thumbPath + ".raw"
	if err := downloader.DownloadFromURL(thumbnailURL, rawPath, nil); err != nil {
		return "", err
	}
	defer os.Remove(rawPath)

	if err := thumbnail.Normalize(rawPath, thumbPath); err != nil {
		return "", err
	}
	return thumbPath, nil
}

// thumbnailPath 引用对应的缩略图保存路径，文件名由引用哈希决定
func (s *FetcherService) thumbnailPath(ref string) string {
	h := fnv.New32a()
	h.Write([]byte(ref))
	return filepath.Join(s.cfg.Media.ThumbnailDir, fmt.Sprintf("thumb_%x.png", h.Sum32()))
}

// FetchAudio 下载媒体音频到工作目录，返回本地临时文件路径。
// 调用方（流水线）负责在执行结束后删除该文件。
func (s *FetcherService) FetchAudio(ctx context.Context, ref string) (string, error) {
	if !s.IsValidReference(ref) {
		return "", &InvalidReferenceError{Ref: ref}
	}

	if err := os.MkdirAll(s.cfg.Media.WorkDir, 0755); err != nil {
		return "", &FetchError{Ref: ref, Reason: "创建工作目录失败", Err: err}
	}

	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return s.downloadAudio(ctx, ref)
	}
	return s.copyLocalFile(ref)
}

// downloadAudio 调用 yt-dlp 提取音频
func (s *FetcherService) downloadAudio(ctx context.Context, ref string) (string, error) {
	timeout := time.Duration(s.cfg.Media.DownloadTimeout) * time.Minute
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	base := fmt.Sprintf("audio_%d", time.Now().UnixNano())
	outPath := filepath.Join(s.cfg.Media.WorkDir, base+".m4a")
	template := filepath.Join(s.cfg.Media.WorkDir, base+".%(ext)s")

	cmd := exec.CommandContext(ctx, s.cfg.Media.YtdlpPath,
		"--extract-audio",
		"--audio-format", "m4a",
		"--no-playlist",
		"--no-progress",
		"--output", template,
		ref,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		reason := lastLine(string(output))
		if reason == "" {
			reason = err.Error()
		}
		if ctx.Err() == context.DeadlineExceeded {
			reason = "下载超时"
		}
		return "", &FetchError{Ref: ref, Reason: reason, Err: err}
	}

	if _, err := os.Stat(outPath); err != nil {
		return "", &FetchError{Ref: ref, Reason: "未找到下载产物", Err: err}
	}

	s.logger.Infof("音频下载完成: ref=%s, path=%s", ref, outPath)
	return outPath, nil
}

// copyLocalFile 把监听目录中的文件复制进工作目录，
// 保证流水线清理临时文件时不会动到原始文件
func (s *FetcherService) copyLocalFile(ref string) (string, error) {
	src, err := os.Open(ref)
	if err != nil {
		return "", &FetchError{Ref: ref, Reason: "打开本地文件失败", Err: err}
	}
	defer src.Close()

	outPath := filepath.Join(s.cfg.Media.WorkDir,
		fmt.Sprintf("audio_%d%s", time.Now().UnixNano(), filepath.Ext(ref)))

	dst, err := os.Create(outPath)
	if err != nil {
		return "", &FetchError{Ref: ref, Reason: "创建临时文件失败", Err: err}
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(outPath)
		return "", &FetchError{Ref: ref, Reason: "复制本地文件失败", Err: err}
	}
	if err := dst.Close(); err != nil {
		os.Remove(outPath)
		return "", &FetchError{Ref: ref, Reason: "写入临时文件失败", Err: err}
	}

	return outPath, nil
}

// lastLine 取命令输出的最后一个非空行，通常是最有用的错误信息
func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
