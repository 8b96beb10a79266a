package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/rollouts/internal/orchestrator/controller"
	"github.com/qiniu/rollouts/internal/orchestrator/model"
	"github.com/qiniu/rollouts/internal/orchestrator/traffic"
	"github.com/rs/zerolog/log"
)

type Api struct {
	ctl    *controller.Controller
	store  *traffic.Store
	router *gin.Engine
}

func NewApi(ctl *controller.Controller, store *traffic.Store, router *gin.Engine) (*Api, error) {
	api := &Api{
		ctl:    ctl,
		store:  store,
		router: router,
	}
	api.setupRouters(router)
	return api, nil
}

func (api *Api) setupRouters(router *gin.Engine) {
	router.POST("/v1/deployments", api.CreateDeployment)
	router.GET("/v1/deployments", api.ListActiveDeployments)
	router.GET("/v1/deployments/:id", api.GetDeployment)
	router.POST("/v1/deployments/:id/abort", api.AbortDeployment)
	router.GET("/v1/deployments/:id/events", api.GetDeploymentEvents)
	router.GET("/v1/services/:service/traffic", api.GetTrafficPolicy)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (api *Api) sendError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrConflictingDeployment):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInvalidParams), errors.Is(err, model.ErrInvalidPolicy):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrDeploymentNotFound):
		status = http.StatusNotFound
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}

// CreateDeployment accepts a deployment request (POST /v1/deployments).
func (api *Api) CreateDeployment(c *gin.Context) {
	var req controller.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	d, err := api.ctl.Submit(c.Request.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("service", req.ServiceName).Msg("deployment submission rejected")
		api.sendError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// GetDeployment returns state and parameters (GET /v1/deployments/:id).
func (api *Api) GetDeployment(c *gin.Context) {
	d, err := api.ctl.Get(c.Param("id"))
	if err != nil {
		api.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ListActiveDeployments returns all non-terminal deployments
// (GET /v1/deployments).
func (api *Api) ListActiveDeployments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"deployments": api.ctl.ListActive()})
}

type abortRequest struct {
	Reason string `json:"reason"`
}

// AbortDeployment converts an operator abort into the internal rollback
// path (POST /v1/deployments/:id/abort).
func (api *Api) AbortDeployment(c *gin.Context) {
	var req abortRequest
	_ = c.ShouldBindJSON(&req)
	if err := api.ctl.Abort(c.Param("id"), req.Reason); err != nil {
		api.sendError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "abort requested"})
}

// GetDeploymentEvents exports the append-only transition history
// (GET /v1/deployments/:id/events).
func (api *Api) GetDeploymentEvents(c *gin.Context) {
	events, err := api.ctl.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// GetTrafficPolicy returns the committed policy for a service
// (GET /v1/services/:service/traffic).
func (api *Api) GetTrafficPolicy(c *gin.Context) {
	policy, ok := api.store.Current(c.Param("service"))
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no policy committed for service"})
		return
	}
	c.JSON(http.StatusOK, policy)
}
