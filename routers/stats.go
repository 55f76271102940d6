package routers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yusiwen/streamctl/log"
	"github.com/yusiwen/streamctl/models"
	"github.com/yusiwen/streamctl/telemetry"
)

/**
 * @apiDefine vps VPS管理
 */

/**
 * @apiDefine vpsInfo
 * @apiSuccess (200) {Number} rows.id
 * @apiSuccess (200) {String} rows.ip_address
 * @apiSuccess (200) {Number} rows.max_concurrent_streams 最大并发流
 * @apiSuccess (200) {Number} rows.current_streams 当前占用，由流表推导
 * @apiSuccess (200) {Object} rows.stats 最新的监控数据
 * @apiSuccess (200) {Boolean} rows.online 监控数据是否在有效期内
 */

type vpsRow struct {
	models.VpsServer
	Stats  *telemetry.Stats `json:"stats"`
	Online bool             `json:"online"`
}

/**
 * @api {get} /api/v1/vps 获取VPS列表
 * @apiGroup vps
 * @apiName VpsList
 * @apiSuccess (200) {Number} total 总数
 * @apiUse vpsInfo
 */
func (h *APIHandler) VpsList(c *gin.Context) {
	list, err := h.Ctl.ListVps(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	ids := make([]uint, 0, len(list))
	for _, v := range list {
		ids = append(ids, v.ID)
	}
	snap := map[uint]*telemetry.Stats{}
	if h.Stats != nil {
		if snap, err = h.Stats.Snapshot(c.Request.Context(), ids); err != nil {
			log.Warn("load stats snapshot err: ", err)
			snap = map[uint]*telemetry.Stats{}
		}
	}
	rows := make([]vpsRow, 0, len(list))
	for _, v := range list {
		row := vpsRow{VpsServer: v, Stats: snap[v.ID]}
		if h.Stats != nil {
			row.Online = h.Stats.Online(row.Stats)
		}
		rows = append(rows, row)
	}
	c.IndentedJSON(http.StatusOK, PageResult{Total: int64(len(rows)), Rows: rows})
}

/**
 * @api {post} /api/v1/vps 添加VPS
 * @apiGroup vps
 * @apiName VpsCreate
 * @apiParam {String} ip_address
 * @apiParam {String} [name]
 * @apiParam {String} [ssh_user]
 * @apiParam {String} [ssh_password]
 * @apiParam {Number} [max_concurrent_streams=1]
 * @apiParam {Boolean} [is_active]
 * @apiParam {String=ACTIVE,PROVISIONING,PROVISION_FAILED,DISABLED} [status=PROVISIONING]
 * @apiUse apiError
 */
func (h *APIHandler) VpsCreate(c *gin.Context) {
	type Form struct {
		Name                 string `json:"name"`
		IPAddress            string `json:"ip_address" binding:"required"`
		SSHUser              string `json:"ssh_user"`
		SSHPassword          string `json:"ssh_password"`
		MaxConcurrentStreams int    `json:"max_concurrent_streams"`
		IsActive             bool   `json:"is_active"`
		Status               string `json:"status"`
	}
	var form Form
	if err := c.ShouldBindJSON(&form); err != nil {
		badRequest(c, err)
		return
	}
	v := &models.VpsServer{
		Name:                 form.Name,
		IPAddress:            form.IPAddress,
		SSHUser:              form.SSHUser,
		SSHPassword:          form.SSHPassword,
		MaxConcurrentStreams: form.MaxConcurrentStreams,
		IsActive:             form.IsActive,
		Status:               models.VpsStatus(form.Status),
	}
	if err := h.Ctl.CreateVps(c.Request.Context(), v); err != nil {
		abortWithError(c, err)
		return
	}
	log.NewLogger(v.ID, log.VpsId).Info("registered ", v.IPAddress)
	c.IndentedJSON(http.StatusCreated, v)
}

/**
 * @api {put} /api/v1/vps/:id/status 修改VPS状态
 * @apiGroup vps
 * @apiName VpsSetStatus
 * @apiParam {String=ACTIVE,PROVISIONING,PROVISION_FAILED,DISABLED} status
 * @apiParam {Boolean} is_active 是否接受新的流
 * @apiUse apiError
 */
func (h *APIHandler) VpsSetStatus(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	type Form struct {
		Status   string `json:"status" binding:"required"`
		IsActive bool   `json:"is_active"`
	}
	var form Form
	if err := c.ShouldBindJSON(&form); err != nil {
		badRequest(c, err)
		return
	}
	switch status := models.VpsStatus(form.Status); status {
	case models.VpsActive, models.VpsProvisioning, models.VpsProvisionFailed, models.VpsDisabled:
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown status " + form.Status})
		return
	}
	v, err := h.Ctl.SetVpsStatus(c.Request.Context(), id, models.VpsStatus(form.Status), form.IsActive)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, v)
}

/**
 * @api {get} /api/v1/vps/:id/stats 获取VPS监控历史
 * @apiGroup vps
 * @apiName VpsStats
 * @apiParam {Number} [limit=100] 条数
 * @apiSuccess (200) {Object} current 最新的监控数据
 * @apiSuccess (200) {Boolean} online
 * @apiSuccess (200) {Array} history 历史采样，最新的在前
 * @apiUse apiError
 */
func (h *APIHandler) VpsStats(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var form PageForm
	if err := c.ShouldBindQuery(&form); err != nil {
		badRequest(c, err)
		return
	}
	if _, err := h.Ctl.GetVps(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	body := gin.H{"current": nil, "online": false, "history": []models.VpsStat{}}
	if h.Stats != nil {
		st, err := h.Stats.Get(c.Request.Context(), id)
		if err != nil {
			log.NewLogger(id, log.VpsId).Warn("load stats err: ", err)
		}
		body["current"] = st
		body["online"] = h.Stats.Online(st)
	}
	if h.History != nil {
		rows, err := h.History.Recent(id, form.Limit)
		if err != nil {
			abortWithError(c, err)
			return
		}
		body["history"] = rows
	}
	c.IndentedJSON(http.StatusOK, body)
}

/**
 * @api {post} /api/v1/vps/:id/recompute 重新计算VPS占用
 * @apiGroup vps
 * @apiName VpsRecompute
 * @apiSuccess (200) {Number} current_streams
 * @apiUse apiError
 */
func (h *APIHandler) VpsRecompute(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	n, err := h.Ctl.RecomputeSlots(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"id": id, "current_streams": n})
}

/**
 * @api {post} /api/v1/vps/kill-all 停止全部流
 * @apiGroup vps
 * @apiName KillAll
 * @apiParam {String} [reason] 原因
 * @apiSuccess (200) {Array} commands 下发的kill_all_streams指令
 * @apiSuccess (200) {Array} stopped 转为STOPPING的流
 * @apiUse apiError
 */
func (h *APIHandler) KillAll(c *gin.Context) {
	type Form struct {
		Reason string `json:"reason" form:"reason"`
	}
	var form Form
	if err := c.ShouldBind(&form); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, err)
		return
	}
	res, err := h.Ctl.KillAll(c.Request.Context(), form.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	status := http.StatusOK
	if len(res.DispatchErr) > 0 {
		status = http.StatusAccepted
	}
	c.IndentedJSON(status, res)
}
