package solver

import (
	"strings"

	"github.com/openjobspec/captcha-relay/internal/core"
)

// response is a parsed text-protocol reply: either OK|<value> or an error
// token.
type response struct {
	ok    bool
	value string
	err   *core.BackendError
}

// substringCodes are matched anywhere in the body; the backend sometimes
// decorates them.
var substringCodes = []string{
	core.CodeRecaptchaTimeout,
	core.CodeProxyBanned,
}

func parseResponse(body string) response {
	text := strings.TrimSpace(body)
	if text == "" {
		return response{err: &core.BackendError{Code: core.CodeBadRequest, Message: "empty response"}}
	}

	head, rest, _ := strings.Cut(text, "|")
	if head == "OK" {
		return response{ok: true, value: rest}
	}

	code := head
	if core.ClassifyCode(code) == core.ClassUnclassified {
		for _, c := range substringCodes {
			if strings.Contains(text, c) {
				code = c
				break
			}
		}
	}
	return response{err: &core.BackendError{Code: code, Message: rest}}
}
