// Package validate содержит локальные проверки ввода, выполняемые до
// обращения к бэкенду.
package validate

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Error - ошибка валидации конкретного поля
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func Fail(field, format string, args ...any) *Error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Rule возвращает nil или ошибку поля
type Rule func() *Error

// First возвращает первую сработавшую ошибку
func First(rules ...Rule) error {
	for _, r := range rules {
		if err := r(); err != nil {
			return err
		}
	}
	return nil
}

func Required(field, value string) Rule {
	return func() *Error {
		if strings.TrimSpace(value) == "" {
			return Fail(field, "%s is required", field)
		}
		return nil
	}
}

func MaxLen(field, value string, n int, msg string) Rule {
	return func() *Error {
		if utf8.RuneCountInString(value) > n {
			return Fail(field, "%s", msg)
		}
		return nil
	}
}

func MinLen(field, value string, n int, msg string) Rule {
	return func() *Error {
		if utf8.RuneCountInString(value) < n {
			return Fail(field, "%s", msg)
		}
		return nil
	}
}

func Matches(field, value string, re *regexp.Regexp, msg string) Rule {
	return func() *Error {
		if !re.MatchString(value) {
			return Fail(field, "%s", msg)
		}
		return nil
	}
}

func Email(field, value string) Rule {
	return func() *Error {
		addr, err := mail.ParseAddress(value)
		if err != nil || addr.Address != value {
			return Fail(field, "Invalid email address")
		}
		return nil
	}
}

func OneOf(field, value string, allowed []string) Rule {
	return func() *Error {
		for _, a := range allowed {
			if a == value {
				return nil
			}
		}
		return Fail(field, "%s must be one of: %s", field, strings.Join(allowed, ", "))
	}
}
