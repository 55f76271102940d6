package routers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yusiwen/streamctl/controller"
	"github.com/yusiwen/streamctl/models"
)

/**
 * @apiDefine command 指令记录
 */

/**
 * @apiDefine commandInfo
 * @apiSuccess (200) {String} rows.id 指令ID，与agent收到的id一致
 * @apiSuccess (200) {Number} rows.vps_server_id 目标VPS
 * @apiSuccess (200) {String} rows.command start_stream/stop_stream/update_stream/kill_all_streams
 * @apiSuccess (200) {String=pending,dispatched,failed,abandoned,superseded} rows.status 投递状态
 * @apiSuccess (200) {Number} rows.attempts 投递次数
 * @apiSuccess (200) {String} rows.last_error 最近一次投递错误
 */

/**
 * @api {get} /api/v1/commands 获取指令记录
 * @apiGroup command
 * @apiName CommandList
 * @apiParam {Number} [start] 分页开始,从零开始
 * @apiParam {Number} [limit] 分页大小
 * @apiParam {Number} [vps_id] 按VPS过滤
 * @apiParam {Number} [stream_id] 按流过滤
 * @apiParam {String=pending,dispatched,failed,abandoned,superseded} [status] 按状态过滤
 * @apiSuccess (200) {Number} total 总数
 * @apiUse commandInfo
 */
func (h *APIHandler) CommandList(c *gin.Context) {
	type Form struct {
		PageForm
		VpsID    uint   `form:"vps_id"`
		StreamID uint   `form:"stream_id"`
		Status   string `form:"status"`
	}
	var form Form
	if err := c.ShouldBindQuery(&form); err != nil {
		badRequest(c, err)
		return
	}
	h.listCommands(c, controller.CommandFilter{
		VpsID:    form.VpsID,
		StreamID: form.StreamID,
		Status:   models.CommandStatus(form.Status),
		Limit:    form.limit(),
		Offset:   form.Start,
	})
}

/**
 * @api {get} /api/v1/streams/:id/commands 获取流的指令记录
 * @apiGroup command
 * @apiName StreamCommands
 * @apiParam {Number} [start] 分页开始,从零开始
 * @apiParam {Number} [limit] 分页大小
 * @apiSuccess (200) {Number} total 总数
 * @apiUse commandInfo
 */
func (h *APIHandler) StreamCommands(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var form PageForm
	if err := c.ShouldBindQuery(&form); err != nil {
		badRequest(c, err)
		return
	}
	h.listCommands(c, controller.CommandFilter{StreamID: id, Limit: form.limit(), Offset: form.Start})
}

func (h *APIHandler) listCommands(c *gin.Context, f controller.CommandFilter) {
	rows, total, err := h.Ctl.ListCommands(c.Request.Context(), f)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, PageResult{Total: total, Rows: rows})
}
