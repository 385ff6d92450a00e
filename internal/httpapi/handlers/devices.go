package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/wardlink/internal/common"
	"github.com/suPer8Hu/wardlink/internal/devices"
)

type registerDeviceReq struct {
	Token    string `json:"token" binding:"required"`
	Platform string `json:"platform" binding:"required"`
}

type revokeDeviceReq struct {
	Token  string `json:"token" binding:"required"`
	Logout bool   `json:"logout"`
}

func (h *Handler) RegisterDevice(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req registerDeviceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "token and platform required")
		return
	}
	if err := h.Devices.Register(c.Request.Context(), uid, req.Token, req.Platform); err != nil {
		deviceFail(c, err)
		return
	}
	common.OK(c, gin.H{"registered": true})
}

// RevokeDevice refreshes the token's last-seen time; with logout set it
// also stops pushes to it.
func (h *Handler) RevokeDevice(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req revokeDeviceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "token required")
		return
	}
	if err := h.Devices.Revoke(c.Request.Context(), uid, req.Token, req.Logout); err != nil {
		deviceFail(c, err)
		return
	}
	common.OK(c, gin.H{"revoked": req.Logout})
}

func deviceFail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, devices.ErrInvalidToken):
		common.Fail(c, http.StatusBadRequest, 40003, err.Error())
	case errors.Is(err, devices.ErrUnknownToken):
		common.Fail(c, http.StatusNotFound, 40402, err.Error())
	case errors.Is(err, devices.ErrNotOwner):
		common.Fail(c, http.StatusForbidden, 40302, err.Error())
	default:
		common.Fail(c, http.StatusInternalServerError, 50001, "device token update failed")
	}
}
