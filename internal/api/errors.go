package api

import (
	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError renders err as {"error", "message", "details"} and aborts the request.
// Internal failures only expose the public message.
func respondError(c *gin.Context, err error) {
	typed := apperrors.As(err)
	if typed == nil {
		typed = apperrors.Wrap(apperrors.CodeInternal, err, "unexpected error")
	}
	meta := apperrors.MetadataFor(typed.Code())

	message := typed.Message()
	if meta.HTTPStatus >= 500 && typed.Code() != apperrors.CodeGatewayTimeout && typed.Code() != apperrors.CodeDependency {
		message = meta.PublicMessage
	}
	if message == "" {
		message = meta.PublicMessage
	}

	body := gin.H{
		"error":   typed.Code(),
		"message": message,
	}
	if meta.DetailsAllowed && typed.Details() != nil {
		body["details"] = typed.Details()
	}

	if meta.HTTPStatus >= 500 {
		util.GetLogger().Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("code", string(typed.Code())),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(meta.HTTPStatus, body)
}

// invalidRequest wraps a binding error.
func invalidRequest(c *gin.Context, err error) {
	respondError(c, apperrors.New(apperrors.CodeValidation, "invalid request body").
		WithDetails(map[string]string{"reason": err.Error()}))
}
