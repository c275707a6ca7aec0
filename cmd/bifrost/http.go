package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aadithya-v/bifrost"
)

// maxRequestBody bounds the JSON parameters accepted for one operation.
const maxRequestBody = 1 << 20

type handler struct {
	gw  *bifrost.Gateway
	log logr.Logger
}

type loginRequest struct {
	Email  string `json:"email"`
	APIKey string `json:"apiKey"`
}

func newRouter(gw *bifrost.Gateway, gatherer prometheus.Gatherer, log logr.Logger) *gin.Engine {
	h := &handler{gw: gw, log: log}

	r := gin.New()
	r.Use(gin.Recovery(), clientInfo())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.POST("/session", h.login)
	v1.DELETE("/session", h.logout)
	v1.POST("/operations/:name", h.operation)

	return r
}

// clientInfo attaches the caller's device and address to the request context.
func clientInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		info := bifrost.ExtractClientInfo(c.Request)
		c.Request = c.Request.WithContext(bifrost.WithClientInfo(c.Request.Context(), info))
		c.Next()
	}
}

func (h *handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, bifrost.ValidationError("Request body must be JSON with email and apiKey."))
		return
	}

	grant, err := h.gw.BeginSession(c.Request.Context(), req.Email, req.APIKey)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

func (h *handler) logout(c *gin.Context) {
	handle := bearerToken(c.Request)
	if handle == "" {
		h.fail(c, bifrost.AuthRequired())
		return
	}
	if err := h.gw.EndSession(c.Request.Context(), handle); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) operation(c *gin.Context) {
	name := c.Param("name")
	build, ok := catalogue[name]
	if !ok {
		c.JSON(http.StatusNotFound, bifrost.ValidationError("Unknown operation: "+name).Payload())
		return
	}

	params, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		h.fail(c, bifrost.ValidationError("Failed to read request body."))
		return
	}
	op, err := build(json.RawMessage(params))
	if err != nil {
		h.fail(c, err)
		return
	}

	res, err := h.gw.Execute(c.Request.Context(), bearerToken(c.Request), op)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) fail(c *gin.Context, err error) {
	e := bifrost.AsError(err)
	if e.Code == bifrost.CodeInternal {
		h.log.Error(errors.Unwrap(e), "request failed", "path", c.FullPath())
	}
	if e.Code == bifrost.CodeRateLimited {
		c.Header("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	c.JSON(httpStatus(e.Code), e.Payload())
}

func httpStatus(code bifrost.Code) int {
	switch code {
	case bifrost.CodeAuthRequired, bifrost.CodeAuthInvalid:
		return http.StatusUnauthorized
	case bifrost.CodeValidation:
		return http.StatusBadRequest
	case bifrost.CodeRateLimited:
		return http.StatusTooManyRequests
	case bifrost.CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// bearerToken returns the session handle from "Authorization: Bearer <handle>".
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
