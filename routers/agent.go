package routers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yusiwen/streamctl/controller"
	"github.com/yusiwen/streamctl/log"
	"github.com/yusiwen/streamctl/telemetry"
)

/**
 * @apiDefine agent Agent回调
 * @apiHeader {String} [X-Agent-Token] 配置了agent.token时必填
 */

/**
 * @api {post} /api/vps/vps-stats 上报VPS监控数据
 * @apiGroup agent
 * @apiName VpsStatsWebhook
 * @apiParam {Number} vps_id
 * @apiParam {Number} cpu_usage
 * @apiParam {Number} ram_usage
 * @apiParam {Number} disk_usage
 * @apiParam {Number} active_streams
 * @apiParam {Number} timestamp agent时间
 * @apiSuccess (200) {Number} received_at 服务端接收时间
 * @apiUse apiError
 */
func (h *APIHandler) VpsStatsWebhook(c *gin.Context) {
	var st telemetry.Stats
	if err := c.ShouldBindJSON(&st); err != nil {
		badRequest(c, err)
		return
	}
	if st.VpsID == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "vps_id is required"})
		return
	}
	if _, err := h.Ctl.GetVps(c.Request.Context(), st.VpsID); err != nil {
		abortWithError(c, err)
		return
	}
	if h.Stats != nil {
		if err := h.Stats.Put(c.Request.Context(), st.VpsID, &st); err != nil {
			abortWithError(c, err)
			return
		}
	}
	if h.History != nil {
		if _, err := h.History.Record(&st, h.Ctl.Now()); err != nil {
			log.NewLogger(st.VpsID, log.VpsId).Warn("record stats history err: ", err)
		}
	}
	c.IndentedJSON(http.StatusOK, gin.H{"ok": true, "received_at": st.ReceivedAt})
}

/**
 * @api {post} /api/vps/stream-status 上报流状态
 * @apiGroup agent
 * @apiName StreamStatusWebhook
 * @apiParam {Number} stream_id
 * @apiParam {Number} [vps_id]
 * @apiParam {String=STREAMING,STOPPED,ERROR,COMPLETED} status
 * @apiParam {Number} [pid] ffmpeg进程号
 * @apiParam {String} [message]
 * @apiUse streamInfo
 * @apiUse apiError
 */
func (h *APIHandler) StreamStatusWebhook(c *gin.Context) {
	var report controller.AgentReport
	if err := c.ShouldBindJSON(&report); err != nil {
		badRequest(c, err)
		return
	}
	s, err := h.Ctl.ApplyAgentStatus(c.Request.Context(), report)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, s)
}

/**
 * @api {post} /api/vps/stream-progress 上报启动进度
 * @apiGroup agent
 * @apiName StreamProgressWebhook
 * @apiParam {Number} stream_id
 * @apiParam {String=preparing,validating,downloading,starting_ffmpeg,streaming,completed,error} stage
 * @apiParam {Number} [percentage] 仅downloading阶段使用，限制在20-80
 * @apiParam {String} [message]
 * @apiUse apiError
 */
func (h *APIHandler) StreamProgressWebhook(c *gin.Context) {
	var report controller.ProgressReport
	if err := c.ShouldBindJSON(&report); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.Ctl.RecordProgress(c.Request.Context(), report)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, p)
}
