// Package ctl implements the daemon's control surface: a unix socket speaking
// one newline-delimited JSON request/response exchange per connection, plus
// the client side used by CLI invocations.
package ctl

// Request is a single control command. Unknown fields are ignored so older
// clients keep working against newer daemons.
type Request struct {
	Action string            `json:"action"`
	Args   map[string]string `json:"args,omitempty"`
}

// Response reports the outcome of a Request. Message carries a short machine
// readable code on failure; Data holds action specific payloads.
type Response struct {
	Ok      bool           `json:"ok"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func okResponse() Response {
	return Response{Ok: true}
}

func failResponse(message string) Response {
	return Response{Ok: false, Message: message}
}
