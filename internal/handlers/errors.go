package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/huangang/casbridge/internal/services"
	"github.com/huangang/casbridge/pkg/logger"
	"github.com/huangang/casbridge/pkg/response"
)

// casErrorResponse maps a CAS pipeline failure to its HTTP rendering. The
// reason travels to the client; the wrapped cause stays in the logs.
func casErrorResponse(casErr *services.CASError) *response.AppError {
	switch casErr.Kind {
	case services.KindConfiguration:
		return response.NewForbidden("cas login is disabled").WithReason(casErr.Reason)
	case services.KindProtocol:
		if casErr.Reason == services.ReasonTicketInvalid {
			return response.NewUnauthorized("cas ticket rejected").WithReason(casErr.Reason)
		}
		return response.NewBadGateway("cas server error").WithReason(casErr.Reason)
	case services.KindReconciliation:
		if casErr.Reason == services.ReasonExternalIdentityMismatch {
			return response.NewConflict("cas identity conflicts with an existing account").WithReason(casErr.Reason)
		}
		return response.NewForbidden("user is not allowed to sign in").WithReason(casErr.Reason)
	default:
		return response.NewServerError("failed to complete cas login").WithReason(string(casErr.Kind))
	}
}

var serviceErrors = []struct {
	err    error
	render func(string) *response.AppError
}{
	{services.ErrUserNotFound, response.NewNotFound},
	{services.ErrUsernameTaken, response.NewConflict},
	{services.ErrInvalidCredentials, response.NewUnauthorized},
	{services.ErrUserDisabled, response.NewForbidden},
	{services.ErrRefreshTokenRequired, response.NewBadRequest},
	{services.ErrRefreshTokenInvalid, response.NewUnauthorized},
	{services.ErrRefreshTokenRevoked, response.NewUnauthorized},
	{services.ErrRefreshTokenExpired, response.NewUnauthorized},
	{services.ErrInvalidRole, response.NewBadRequest},
	{services.ErrPasswordTooShort, response.NewBadRequest},
	{services.ErrNotLocalAccount, response.NewBadRequest},
	{services.ErrIncorrectPassword, response.NewBadRequest},
	{services.ErrUsernameRequired, response.NewBadRequest},
	{services.ErrUsernameImmutable, response.NewBadRequest},
	{services.ErrInvalidCASConfig, response.NewBadRequest},
}

// renderError writes err using the unified response format.
func renderError(c *gin.Context, err error) {
	if casErr, ok := services.IsCASError(err); ok {
		if casErr.Kind == services.KindPersistence {
			logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		}
		response.Error(c, casErrorResponse(casErr))
		return
	}
	for _, known := range serviceErrors {
		if errors.Is(err, known.err) {
			response.Error(c, known.render(err.Error()))
			return
		}
	}
	logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	response.ServerError(c, "internal server error")
}
