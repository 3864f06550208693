package logger

import (
	"fmt"
	"strings"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jwalton/gchalk"
)

// NewEntLogger 把 ent dialect.Debug 的输出解析成结构化日志。
// 参数里有密码 hash、token hash 等，只记录个数不记录值。
func NewEntLogger(l log.Logger) func(...any) {
	return func(a ...any) {
		s := fmt.Sprint(a...)

		msg, rest, ok := strings.Cut(s, ": ")
		if !ok {
			l.Log(log.LevelDebug, "msg", s)
			return
		}
		rest, args, _ := strings.Cut(rest, " args=")
		_, query, ok := strings.Cut(rest, "query=")
		if !ok || query == "" {
			l.Log(log.LevelDebug, "msg", msg)
			return
		}

		l.Log(
			log.LevelDebug,
			"msg", msg,
			"query", gchalk.BgBrightBlack(query), // 添加高亮灰色背景
			"args.count", countArgs(args),
		)
	}
}

// countArgs 解析 "[a b c]" 形式的参数列表长度
func countArgs(s string) int {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if strings.TrimSpace(s) == "" {
		return 0
	}
	return len(strings.Fields(s))
}
