package handler

import (
	"net/http"
	"os"
	"strconv"

	"audio-fusion/app/database"
	"audio-fusion/app/logger"
	"audio-fusion/app/model"
	"audio-fusion/app/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// JobHandler 转写任务处理器
type JobHandler struct {
	logger   *logger.Logger
	pipeline *service.PipelineService
	store    *service.GormJobStore
	fetcher  service.MediaFetcher
}

// NewJobHandler 创建任务处理器
func NewJobHandler(log *logger.Logger, pipeline *service.PipelineService, store *service.GormJobStore, fetcher service.MediaFetcher) *JobHandler {
	return &JobHandler{
		logger:   log,
		pipeline: pipeline,
		store:    store,
		fetcher:  fetcher,
	}
}

// CreateJobRequest 创建任务请求
type CreateJobRequest struct {
	URL string `json:"url" binding:"required"`
}

// CreateJob 创建转写任务并立即以后台协程开始处理
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, 400, "请求参数错误: "+err.Error())
		return
	}

	// 创建前校验引用，避免入库一个注定失败的任务
	if !h.fetcher.IsValidReference(req.URL) {
		respondError(c, http.StatusBadRequest, 400, "媒体引用无效")
		return
	}

	job := model.Job{
		SourceURL:  req.URL,
		SourceType: model.SourceTypeURL,
		Status:     model.JobStatusPending,
	}
	if err := database.GetDB().Create(&job).Error; err != nil {
		h.logger.Errorf("创建任务失败: %v", err)
		respondError(c, http.StatusInternalServerError, 500, "创建任务失败")
		return
	}

	// 触发流水线，不等待结果
	h.pipeline.Dispatch(job.ID)
	h.logger.Infof("任务已创建并开始处理: id=%d, url=%s", job.ID, req.URL)

	respondSuccess(c, &job, "任务已创建")
}

// ListJobs 分页列出任务，支持按状态过滤
func (h *JobHandler) ListJobs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := database.GetDB().Model(&model.Job{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		respondError(c, http.StatusInternalServerError, 500, "查询任务失败")
		return
	}

	var jobs []model.Job
	if err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&jobs).Error; err != nil {
		respondError(c, http.StatusInternalServerError, 500, "查询任务失败")
		return
	}

	respondSuccess(c, gin.H{
		"jobs":      jobs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	}, "获取成功")
}

// GetJob 获取单个任务
func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	respondSuccess(c, job, "获取成功")
}

// GetTranscript 获取任务的转写结果（含全部片段）
func (h *JobHandler) GetTranscript(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	transcript, err := h.store.GetTranscript(c.Request.Context(), job.ID)
	if err != nil {
		respondError(c, http.StatusNotFound, 404, "转写结果不存在")
		return
	}
	respondSuccess(c, transcript, "获取成功")
}

// RetryJob 重试失败的任务：重置为待处理后重新触发流水线
func (h *JobHandler) RetryJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	if !job.CanRetry() {
		respondError(c, http.StatusConflict, 409, "只有失败的任务可以重试")
		return
	}

	if err := h.store.UpdateStatus(c.Request.Context(), job.ID, model.JobStatusPending); err != nil {
		h.logger.Errorf("重置任务状态失败: id=%d, %v", job.ID, err)
		respondError(c, http.StatusInternalServerError, 500, "重置任务状态失败")
		return
	}

	h.pipeline.Dispatch(job.ID)
	h.logger.Infof("任务已重新开始处理: id=%d", job.ID)

	respondSuccess(c, gin.H{"id": job.ID}, "任务已重新开始处理")
}

// DeleteJob 删除任务及其转写结果和缩略图
func (h *JobHandler) DeleteJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	if job.Status == model.JobStatusProcessing {
		respondError(c, http.StatusConflict, 409, "处理中的任务不能删除")
		return
	}

	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		var transcript model.Transcript
		if err := tx.Where("job_id = ?", job.ID).First(&transcript).Error; err == nil {
			if err := tx.Where("transcript_id = ?", transcript.ID).
				Delete(&model.TranscriptSegment{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&transcript).Error; err != nil {
				return err
			}
		}
		return tx.Delete(job).Error
	})
	if err != nil {
		h.logger.Errorf("删除任务失败: id=%d, %v", job.ID, err)
		respondError(c, http.StatusInternalServerError, 500, "删除任务失败")
		return
	}

	if job.Thumbnail != "" {
		if err := os.Remove(job.Thumbnail); err != nil && !os.IsNotExist(err) {
			h.logger.Warnf("删除缩略图失败: %s, %v", job.Thumbnail, err)
		}
	}

	respondSuccess(c, nil, "删除成功")
}

// loadJob 按路径参数加载任务，失败时直接写响应
func (h *JobHandler) loadJob(c *gin.Context) (*model.Job, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		respondError(c, http.StatusBadRequest, 400, "任务ID格式错误")
		return nil, false
	}

	job, err := h.store.GetJob(c.Request.Context(), uint(id))
	if err != nil {
		respondError(c, http.StatusNotFound, 404, "任务不存在")
		return nil, false
	}
	return job, true
}
