package config

import "fmt"

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// newFieldError 创建包含字段路径与原因的 error，便于 CLI 定位。
func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// locationField 用于拼接 Location 级字段路径，输出 Location[xxx].Field 形式。
func locationField(name, field string) string {
	return blockField("Location", name, field)
}

func groupField(name, field string) string {
	return blockField("Group", name, field)
}

func blockField(block, name, field string) string {
	if name == "" {
		return fmt.Sprintf("%s[].%s", block, field)
	}
	return fmt.Sprintf("%s[%s].%s", block, name, field)
}
