package services

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cast"
)

var placeholderPattern = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

// MessageTemplate 邮件模板 (subject/body 含 {{key}} 占位符)
type MessageTemplate struct {
	Subject string
	Body    string
}

type RenderedMessage struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// RenderTemplate substitutes placeholders in subject and body. Keys missing
// from data render as the empty string.
func RenderTemplate(tpl MessageTemplate, data map[string]interface{}) RenderedMessage {
	return RenderedMessage{
		Subject: RenderText(tpl.Subject, data),
		Body:    RenderText(tpl.Body, data),
	}
}

func RenderText(text string, data map[string]interface{}) string {
	if text == "" {
		return ""
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		key := placeholderPattern.FindStringSubmatch(token)[1]
		v, ok := data[key]
		if !ok {
			return ""
		}
		return toText(v)
	})
}

// BuildDataBag merges payload with the recipient. Recipient email and name win
// on collision.
func BuildDataBag(payload map[string]interface{}, r Recipient) map[string]interface{} {
	bag := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		bag[k] = v
	}
	bag["email"] = r.Email
	bag["name"] = r.Name
	return bag
}

// toText 把任意值转换为模板/比较用的字符串
func toText(v interface{}) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.Format(time.RFC3339)
	case []byte:
		return string(t)
	}
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		parts := make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			parts = append(parts, toText(rv.Index(i).Interface()))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprint(v)
}
