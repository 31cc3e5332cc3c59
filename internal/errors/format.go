package errors

import (
	"fmt"
	"strconv"
	"strings"
)

// Format 先按 printf 风格渲染；若占位符与参数不匹配（输出含 "%!"），
// 退回到 {0}/{1} 位置占位符渲染。任何情况下都不会 panic。
func Format(format string, args ...interface{}) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = format
		}
	}()

	if len(args) == 0 {
		return format
	}
	out = fmt.Sprintf(format, args...)
	if !strings.Contains(out, "%!") {
		return out
	}
	if alt, ok := positional(format, args); ok {
		return alt
	}
	return out
}

// positional 替换 {n} 形式的占位符，至少替换一处才算成功。
func positional(format string, args []interface{}) (string, bool) {
	var b strings.Builder
	replaced := false
	for i := 0; i < len(format); i++ {
		if format[i] != '{' {
			b.WriteByte(format[i])
			continue
		}
		end := strings.IndexByte(format[i:], '}')
		if end < 0 {
			b.WriteString(format[i:])
			break
		}
		idx, err := strconv.Atoi(format[i+1 : i+end])
		if err != nil || idx < 0 || idx >= len(args) {
			b.WriteString(format[i : i+end+1])
			i += end
			continue
		}
		b.WriteString(fmt.Sprint(args[idx]))
		replaced = true
		i += end
	}
	return b.String(), replaced
}
