package model

import "encoding/json"

// ErrorBody is the error part of a response envelope.
type ErrorBody struct { // A
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the envelope every HTTP endpoint answers
// with.
type Response struct { // A
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// RawResponse is Response with the payload left undecoded.
type RawResponse struct { // A
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}
