package resource

import "encoding/json"

// Descriptor identifies one resource exposed by the resource service.
type Descriptor struct {
	URI      string `json:"uri"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

// request is one outbound line on the wire.
type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// response is one inbound line on the wire.
type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPC methods consumed by the client.
const (
	methodList   = "resources/list"
	methodRead   = "resources/read"
	methodWrite  = "resources/write"
	methodAppend = "resources/append"
	methodDelete = "resources/delete"
)

// statusUnauthorized is the error code the service returns when a delete
// requires an approval token that is missing or wrong.
const statusUnauthorized = 401
