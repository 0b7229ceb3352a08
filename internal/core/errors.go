package core

import "github.com/m-mizutani/goerr/v2"

var (
	ErrChatNotFound    = goerr.New("chat not found")
	ErrMessageNotFound = goerr.New("message not found")
	ErrInvalidInput    = goerr.New("invalid input")
)
