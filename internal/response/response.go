// Package response defines the single envelope returned by every routed
// operation, successful or not.
package response

import "net/http"

const (
	MsgOK                   = "ok"
	MsgVerificationRequired = "verification_required"
	MsgInvalidParameters    = "invalid_parameters"
	MsgInvalidCredentials   = "invalid_credentials"
	MsgUnauthorized         = "unauthorized"
	MsgEmailNotVerified     = "email_not_verified"
	MsgEmailRequired        = "email_required"
	MsgPermissionDenied     = "permission_denied"
	MsgAlreadyRegistered    = "already_registered"
	MsgInvalidToken         = "invalid_token"
	MsgExpiredToken         = "expired_token"
	MsgTooManyRequests      = "too_many_requests"
	MsgTxNotFound           = "tx_not_found"
	MsgUnknownError         = "unknown_error"
	MsgServiceUnavailable   = "service_unavailable"
)

type Alert struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Response struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Alerts  []Alert        `json:"alerts,omitempty"`
	Cookies []*http.Cookie `json:"-"`
}

func (r Response) OK() bool {
	return r.Code >= 200 && r.Code < 300
}

func Success(message string, data any) Response {
	if message == "" {
		message = MsgOK
	}
	return Response{Code: http.StatusOK, Message: message, Data: data}
}

func VerificationRequired(data any) Response {
	return Response{Code: http.StatusAccepted, Message: MsgVerificationRequired, Data: data}
}

func InvalidParameters(alerts ...Alert) Response {
	return Response{Code: http.StatusBadRequest, Message: MsgInvalidParameters, Alerts: alerts}
}

func InvalidCredentials() Response {
	return Response{Code: http.StatusUnauthorized, Message: MsgInvalidCredentials}
}

func Unauthorized() Response {
	return Response{Code: http.StatusUnauthorized, Message: MsgUnauthorized}
}

func EmailNotVerified() Response {
	return Response{Code: http.StatusForbidden, Message: MsgEmailNotVerified}
}

func EmailRequired() Response {
	return Response{Code: http.StatusBadRequest, Message: MsgEmailRequired}
}

func PermissionDenied() Response {
	return Response{Code: http.StatusForbidden, Message: MsgPermissionDenied}
}

func AlreadyRegistered() Response {
	return Response{Code: http.StatusConflict, Message: MsgAlreadyRegistered}
}

// InvalidToken covers both an unknown token and a wrong code.
func InvalidToken() Response {
	return Response{Code: http.StatusBadRequest, Message: MsgInvalidToken}
}

func ExpiredToken() Response {
	return Response{Code: http.StatusGone, Message: MsgExpiredToken}
}

func TooManyRequests() Response {
	return Response{Code: http.StatusTooManyRequests, Message: MsgTooManyRequests}
}

func TxNotFound() Response {
	return Response{Code: http.StatusInternalServerError, Message: MsgTxNotFound}
}

func UnknownError() Response {
	return Response{Code: http.StatusInternalServerError, Message: MsgUnknownError}
}

func ServiceUnavailable() Response {
	return Response{Code: http.StatusServiceUnavailable, Message: MsgServiceUnavailable}
}
