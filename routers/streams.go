package routers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yusiwen/streamctl/controller"
	"github.com/yusiwen/streamctl/lifecycle"
	"github.com/yusiwen/streamctl/log"
	"github.com/yusiwen/streamctl/models"
)

/**
 * @apiDefine stream 流管理
 */

/**
 * @apiDefine streamInfo
 * @apiSuccess (200) {Number} id
 * @apiSuccess (200) {String} title
 * @apiSuccess (200) {Number} vps_server_id 当前分配的VPS，未运行时为null
 * @apiSuccess (200) {String=INACTIVE,STARTING,STREAMING,STOPPING,ERROR} status 状态
 * @apiSuccess (200) {String} error_message 最近的错误
 * @apiSuccess (200) {Number} version 乐观锁版本号
 */

/**
 * @api {post} /api/v1/streams 创建流
 * @apiGroup stream
 * @apiName StreamCreate
 * @apiParam {String} rtmp_url 推流地址
 * @apiParam {String} stream_key 推流密钥
 * @apiParam {String[]} source_files 播放列表
 * @apiParam {String[]} [push_urls] 额外的推流地址
 * @apiParam {Boolean} [loop] 循环播放
 * @apiParam {String=sequential,random} [playlist_order=sequential] 播放顺序
 * @apiParam {Boolean} [enable_schedule] 是否按计划启停
 * @apiParam {String} [scheduled_start] RFC3339
 * @apiParam {String} [scheduled_end] RFC3339
 * @apiUse streamInfo
 * @apiUse apiError
 */
func (h *APIHandler) StreamCreate(c *gin.Context) {
	type Form struct {
		UserID         uint       `json:"user_id"`
		Title          string     `json:"title"`
		RtmpURL        string     `json:"rtmp_url" binding:"required"`
		StreamKey      string     `json:"stream_key" binding:"required"`
		PushURLs       []string   `json:"push_urls"`
		SourceFiles    []string   `json:"source_files" binding:"required"`
		Loop           bool       `json:"loop"`
		PlaylistOrder  string     `json:"playlist_order"`
		EnableSchedule bool       `json:"enable_schedule"`
		ScheduledStart *time.Time `json:"scheduled_start"`
		ScheduledEnd   *time.Time `json:"scheduled_end"`
	}
	var form Form
	if err := c.ShouldBindJSON(&form); err != nil {
		badRequest(c, err)
		return
	}
	s := &models.StreamConfiguration{
		UserID:         form.UserID,
		Title:          form.Title,
		RtmpURL:        form.RtmpURL,
		StreamKey:      form.StreamKey,
		PushURLs:       form.PushURLs,
		SourceFiles:    form.SourceFiles,
		Loop:           form.Loop,
		PlaylistOrder:  form.PlaylistOrder,
		EnableSchedule: form.EnableSchedule,
		ScheduledStart: form.ScheduledStart,
		ScheduledEnd:   form.ScheduledEnd,
	}
	if err := h.Ctl.Create(c.Request.Context(), s); err != nil {
		abortWithError(c, err)
		return
	}
	log.NewLogger(s.ID, log.StreamId).Info("created ", s.Title)
	c.IndentedJSON(http.StatusCreated, s)
}

/**
 * @api {get} /api/v1/streams 获取流列表
 * @apiGroup stream
 * @apiName StreamList
 * @apiParam {Number} [start] 分页开始,从零开始
 * @apiParam {Number} [limit] 分页大小
 * @apiParam {Number} [user_id] 按用户过滤
 * @apiParam {Number} [vps_id] 按VPS过滤
 * @apiParam {String} [status] 按状态过滤
 * @apiSuccess (200) {Number} total 总数
 * @apiSuccess (200) {Array} rows 流列表
 */
func (h *APIHandler) StreamList(c *gin.Context) {
	type Form struct {
		PageForm
		UserID uint   `form:"user_id"`
		VpsID  uint   `form:"vps_id"`
		Status string `form:"status"`
	}
	var form Form
	if err := c.ShouldBindQuery(&form); err != nil {
		badRequest(c, err)
		return
	}
	status := lifecycle.Status(form.Status)
	if status != "" && !status.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown status " + form.Status})
		return
	}
	rows, total, err := h.Ctl.List(c.Request.Context(), controller.ListFilter{
		UserID: form.UserID,
		VpsID:  form.VpsID,
		Status: status,
		Limit:  form.limit(),
		Offset: form.Start,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, PageResult{Total: total, Rows: rows})
}

/**
 * @api {get} /api/v1/streams/:id 获取流详情
 * @apiGroup stream
 * @apiName StreamGet
 * @apiUse streamInfo
 * @apiUse apiError
 */
func (h *APIHandler) StreamGet(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	s, err := h.Ctl.Get(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, s)
}

/**
 * @api {put} /api/v1/streams/:id 修改流配置
 * @apiGroup stream
 * @apiName StreamUpdate
 * @apiDescription 仅在流未占用VPS时允许修改，运行中的流请使用 /update
 * @apiUse streamInfo
 * @apiUse apiError
 */
func (h *APIHandler) StreamUpdate(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var patch controller.StreamPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	s, err := h.Ctl.Update(c.Request.Context(), id, patch)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, s)
}

/**
 * @api {delete} /api/v1/streams/:id 删除流
 * @apiGroup stream
 * @apiName StreamDelete
 * @apiDescription 运行中的流会先下发stop_stream并释放VPS
 * @apiUse apiError
 */
func (h *APIHandler) StreamDelete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	res, err := h.Ctl.Delete(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	writeResult(c, res)
}

/**
 * @api {post} /api/v1/streams/:id/start 启动流
 * @apiGroup stream
 * @apiName StreamStart
 * @apiParam {Number} [vps_id] 指定VPS，不指定时选择负载最低的在线VPS
 * @apiSuccess (200) {Object} stream
 * @apiSuccess (200) {Object} command 下发的指令
 * @apiSuccess (202) {String} warning 状态已更新但指令发送失败，稍后重试
 * @apiUse apiError
 */
func (h *APIHandler) StreamStart(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	type Form struct {
		VpsID *uint `json:"vps_id" form:"vps_id"`
	}
	var form Form
	if err := c.ShouldBind(&form); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, err)
		return
	}
	res, err := h.Ctl.Start(c.Request.Context(), id, form.VpsID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	writeResult(c, res)
}

/**
 * @api {post} /api/v1/streams/:id/stop 停止流
 * @apiGroup stream
 * @apiName StreamStop
 * @apiParam {String} [reason] 停止原因
 * @apiUse apiError
 */
func (h *APIHandler) StreamStop(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	type Form struct {
		Reason string `json:"reason" form:"reason"`
	}
	var form Form
	if err := c.ShouldBind(&form); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, err)
		return
	}
	res, err := h.Ctl.Stop(c.Request.Context(), id, form.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	writeResult(c, res)
}

/**
 * @api {post} /api/v1/streams/:id/update 运行中修改配置
 * @apiGroup stream
 * @apiName StreamLiveUpdate
 * @apiDescription 保存配置后推送到正在推流的agent，HTTP失败时改走指令通道
 * @apiUse apiError
 */
func (h *APIHandler) StreamLiveUpdate(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var patch controller.StreamPatch
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&patch); err != nil {
			badRequest(c, err)
			return
		}
		if _, err := h.Ctl.UpdateConfig(c.Request.Context(), id, patch); err != nil {
			abortWithError(c, err)
			return
		}
	}
	res, err := h.Ctl.UpdateLive(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	writeResult(c, res)
}

/**
 * @api {get} /api/v1/streams/:id/progress 获取启动进度
 * @apiGroup stream
 * @apiName StreamProgress
 * @apiParam {Number} [limit=20] 条数
 * @apiSuccess (200) {Array} rows 进度记录，最新的在前
 */
func (h *APIHandler) StreamProgress(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var form PageForm
	if err := c.ShouldBindQuery(&form); err != nil {
		badRequest(c, err)
		return
	}
	if _, err := h.Ctl.Get(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	rows, err := h.Ctl.Progress(c.Request.Context(), id, form.Limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, PageResult{Total: int64(len(rows)), Rows: rows})
}
