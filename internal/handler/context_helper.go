package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-enrollment-sync/internal/middleware"
	appErrors "github.com/noah-isme/sma-enrollment-sync/pkg/errors"
)

func staffIDFromContext(c *gin.Context) string {
	claims := middleware.StaffFromContext(c)
	if claims == nil {
		return ""
	}
	return claims.UserID
}

func stepParam(c *gin.Context) (int, error) {
	raw := c.Param("step")
	step, err := strconv.Atoi(raw)
	if err != nil {
		return 0, appErrors.WithDetails(appErrors.ErrValidation, "step must be a number", map[string]string{"step": raw})
	}
	return step, nil
}
