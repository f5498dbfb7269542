package protocol

// Status is the success/error discriminator carried on replies.
type Status string

const (
	// StatusSuccess marks a successful reply.
	StatusSuccess Status = "success"

	// StatusError marks an error reply.
	StatusError Status = "error"
)

// Reply field names shared by unary replies and sync payloads.
const (
	FieldStatus      = "status"
	FieldHTTPStatus  = "httpStatus"
	FieldErrorCode   = "errorCode"
	FieldErrorParams = "errorParams"
	FieldMessage     = "message"
)

// Response is a unary reply payload. Handler result fields live at the top
// level next to the status discriminator.
type Response map[string]any

// Success builds a success reply from handler result fields.
// The status discriminator and HTTP-equivalent status are attached; existing
// fields are preserved.
func Success(fields map[string]any) Response {
	resp := make(Response, len(fields)+2)
	for k, v := range fields {
		resp[k] = v
	}
	resp[FieldStatus] = string(StatusSuccess)
	if _, ok := resp[FieldHTTPStatus]; !ok {
		resp[FieldHTTPStatus] = 200
	}
	return resp
}

// Failure builds an error reply for a code with its localized message.
func Failure(code Code, params map[string]any, message string) Response {
	resp := Response{
		FieldStatus:     string(StatusError),
		FieldErrorCode:  string(code),
		FieldHTTPStatus: HTTPStatus(code),
		FieldMessage:    message,
	}
	if len(params) > 0 {
		resp[FieldErrorParams] = params
	}
	return resp
}

// SyncAck is the terminal acknowledgement sent to a sync caller. It is
// distinct from what room members receive.
type SyncAck struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	ErrorCode   Code           `json:"errorCode,omitempty"`
	ErrorParams map[string]any `json:"errorParams,omitempty"`
	HTTPStatus  int            `json:"httpStatus,omitempty"`
}

// SyncDelivery is the payload pushed to each room member of a sync call.
// ServerOutput is the shared phase-1 result; ClientOutput is the recipient's
// personalized result and differs per member.
type SyncDelivery struct {
	CB           string         `json:"cb"`
	FullName     string         `json:"fullName"`
	ServerOutput any            `json:"serverOutput,omitempty"`
	ClientOutput any            `json:"clientOutput,omitempty"`
	Status       Status         `json:"status"`
	Message      string         `json:"message,omitempty"`
	ErrorCode    Code           `json:"errorCode,omitempty"`
	ErrorParams  map[string]any `json:"errorParams,omitempty"`
}
