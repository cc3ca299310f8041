package middleware

import (
	"context"
	"errors"
	"net/http"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/infrastructure/relay"
	apperrors "mediarelay/pkg/errors"
	"mediarelay/pkg/retry"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// FromDomain maps core errors onto the error shape rendered to callers.
func FromDomain(err error) *apperrors.AppError {
	if err == nil {
		return nil
	}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	var status *relay.StatusError
	switch {
	case errors.Is(err, domain.ErrRoomNotFound),
		errors.Is(err, domain.ErrShardNotFound),
		errors.Is(err, domain.ErrParticipantNotFound),
		errors.Is(err, domain.ErrProducerNotFound),
		errors.Is(err, domain.ErrTransportNotFound),
		errors.Is(err, domain.ErrConsumerNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, err.Error(), http.StatusNotFound)

	case errors.Is(err, domain.ErrAdmissionRejected):
		return apperrors.WrapError(err, apperrors.ErrCodeAdmissionRejected, err.Error(), http.StatusServiceUnavailable)

	case errors.Is(err, domain.ErrCannotConsume):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)

	case errors.Is(err, domain.ErrParticipantClosing):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, err.Error(), http.StatusConflict)

	case errors.Is(err, domain.ErrRelayHandshakeFailed),
		errors.Is(err, domain.ErrDestinationBlacklisted),
		errors.As(err, &status),
		retry.IsExhausted(err):
		return apperrors.NewRelayFailedError(err)

	case errors.Is(err, domain.ErrCPUOverloaded),
		errors.Is(err, domain.ErrWorkerUnavailable),
		errors.Is(err, domain.ErrShardCreationFailed),
		errors.Is(err, domain.ErrRouterClosed),
		errors.Is(err, context.DeadlineExceeded):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, err.Error(), http.StatusServiceUnavailable)
	}

	return apperrors.WrapError(err, apperrors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
}

// ErrorHandlerMiddleware renders the last error attached to the gin context.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		appErr := FromDomain(c.Errors.Last().Err)

		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed",
				"code", appErr.Code,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"request_id", c.GetString(requestIDKey),
				"error", appErr,
			)
		} else {
			logger.Debugw("request rejected",
				"code", appErr.Code,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"request_id", c.GetString(requestIDKey),
			)
		}

		if c.Writer.Written() {
			return
		}
		c.JSON(appErr.HTTPStatus, appErr.Body())
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
					"request_id", c.GetString(requestIDKey),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError,
					apperrors.NewInternalError("Internal server error").Body())
			}
		}()

		c.Next()
	}
}
