package routers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/yusiwen/streamctl/controller"
	"github.com/yusiwen/streamctl/lifecycle"
	"github.com/yusiwen/streamctl/log"
	"github.com/yusiwen/streamctl/sweeper"
)

func errorStatus(err error) int {
	var verr controller.ErrValidation
	switch {
	case errors.As(err, &verr),
		errors.Is(err, controller.ErrUnknownReport):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrStreamNotFound),
		errors.Is(err, controller.ErrVpsNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrConflict),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, controller.ErrStreamActive),
		errors.Is(err, controller.ErrNotStreaming),
		errors.Is(err, controller.ErrStaleReport),
		errors.Is(err, controller.ErrVpsInactive),
		errors.Is(err, sweeper.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, controller.ErrNoCapacity):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= 500 {
		log.Error(c.Request.URL.Path, " err: ", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

// writeResult answers a command-issuing call. A committed transition whose
// command could not be published yet is reported as 202 with a warning.
func writeResult(c *gin.Context, res *controller.Result) {
	if res.DispatchErr != nil {
		c.IndentedJSON(http.StatusAccepted, gin.H{
			"stream":  res.Stream,
			"command": res.Command,
			"warning": "command queued for retry: " + res.DispatchErr.Error(),
		})
		return
	}
	c.IndentedJSON(http.StatusOK, res)
}

// PageForm is the common paging query of list endpoints.
type PageForm struct {
	Start int `form:"start"`
	Limit int `form:"limit"`
}

func (f *PageForm) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

type PageResult struct {
	Total int64       `json:"total"`
	Rows  interface{} `json:"rows"`
}
