package handler

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

const maxEmojiRunes = 16

var registerOnce sync.Once

// RegisterValidators 在 gin 的校验器上注册自定义规则
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("emoji", validEmoji)
	})
}

// validEmoji 表情短码或字符：非空、无空白、长度有限
func validEmoji(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" || utf8.RuneCountInString(s) > maxEmojiRunes {
		return false
	}
	return !strings.ContainsFunc(s, unicode.IsSpace)
}
