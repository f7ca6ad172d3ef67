// Package protocol defines the uniform JSON envelope shared by the HTTP
// surface and the client SDK.
package protocol

import "encoding/json"

const (
	// CodeSuccess marks a successful response.
	CodeSuccess = 0
	// CodeError marks a failed response; Msg carries the reason.
	CodeError = 1
)

// Res is the uniform response envelope {code, msg, data}.
type Res[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *T     `json:"data"`
}

// Success builds a successful envelope wrapping data.
func Success[T any](data T) Res[T] {
	return Res[T]{Code: CodeSuccess, Data: &data}
}

// Error builds a failed envelope with the given message.
func Error[T any](msg string) Res[T] {
	return Res[T]{Code: CodeError, Msg: msg}
}

// IsSuccess reports whether the envelope carries a success code.
func (r *Res[T]) IsSuccess() bool {
	return r.Code == CodeSuccess
}

// RawRes is the envelope with an undecoded payload, used when the caller
// decides the data type after inspecting the code.
type RawRes struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// IsSuccess reports whether the envelope carries a success code.
func (r *RawRes) IsSuccess() bool {
	return r.Code == CodeSuccess
}

// PageRes is a paged list response.
type PageRes[T any] struct {
	PageNum  int   `json:"page_num"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
	List     []T   `json:"list"`
}
