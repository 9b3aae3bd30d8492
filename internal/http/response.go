package http

import (
	"encoding/base64"
	"unicode/utf8"
)

// Status is the outcome field of every client API body.
type Status string

const (
	StatusOK      Status = "OK"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Response is the JSON body of the client API. Reads fill Value; a node
// that is not the leader fills Leader with the address it last heard from.
// Values that are not valid UTF-8 are sent base64 encoded with Encoding set.
type Response struct {
	Status   Status `json:"status,omitempty"`
	Value    string `json:"value,omitempty"`
	Encoding string `json:"enc,omitempty"`
	Error    string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
	Leader   string `json:"leader,omitempty"`
}

func healthy() Response { return Response{Status: StatusOK} }

func succeeded(value string) Response {
	if !utf8.ValidString(value) {
		return Response{Status: StatusSuccess, Value: base64.StdEncoding.EncodeToString([]byte(value)), Encoding: "base64"}
	}
	return Response{Status: StatusSuccess, Value: value}
}

func failed(err error) Response {
	return Response{Status: StatusError, Error: err.Error()}
}

func failedCode(err error, code string) Response {
	return Response{Status: StatusError, Error: err.Error(), Code: code}
}

func failedMsg(msg string) Response {
	return Response{Status: StatusError, Error: msg}
}
