package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"listsync/internal/client/letterboxd"
	"listsync/internal/service"
)

type apiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func Ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
	})
}

func Error(c *gin.Context, status int, message string) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
	})
}

// ServiceError maps service-layer failures onto HTTP statuses.
func ServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrGroupNotFound):
		Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidMode),
		errors.Is(err, service.ErrMasterRequired),
		errors.Is(err, service.ErrInvalidList):
		Error(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, letterboxd.ErrBadCredentials):
		Error(c, http.StatusUnauthorized, err.Error())
	default:
		Error(c, http.StatusInternalServerError, err.Error())
	}
}
