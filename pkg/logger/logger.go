// 日志输出，支持颜色
package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jwalton/gchalk"
	"github.com/jwalton/go-supportscolor"
)

var _ log.Logger = (*stdColorLogger)(nil)

type Logger interface {
	WithContext(ctx context.Context) *log.Helper
}

// Format 决定输出格式。
type Format string

const (
	// FormatAuto 终端支持颜色时彩色输出，否则 json（单元测试中始终彩色）
	FormatAuto    Format = "auto"
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

func ParseFormat(s string) Format {
	switch Format(s) {
	case FormatJSON, FormatConsole:
		return Format(s)
	}
	return FormatAuto
}

// stdColorLogger 可以被多个 goroutine 并发使用。
type stdColorLogger struct {
	w         io.Writer
	debug     bool
	skipN     bool
	isDiscard bool
	json      bool
	mu        sync.Mutex
	pool      *sync.Pool
}

// 带颜色输出的 logger
func NewStdColorLogger(w io.Writer, skipNullValue, debug bool, format Format) log.Logger {
	return &stdColorLogger{
		w:         w,
		debug:     debug,
		skipN:     skipNullValue, // 跳过空值不输出
		isDiscard: w == io.Discard,
		json:      useJSON(w, format),
		pool: &sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

func useJSON(w io.Writer, format Format) bool {
	switch format {
	case FormatJSON:
		return true
	case FormatConsole:
		return false
	}
	if flag.Lookup("test.v") != nil {
		return false
	}
	f, ok := w.(*os.File)
	return !ok || supportscolor.SupportsColor(f.Fd()).Level == gchalk.LevelNone
}

// Log print the kv pairs log.
func (l *stdColorLogger) Log(level log.Level, keyvals ...interface{}) error {
	if level == log.LevelDebug && !l.debug {
		return nil
	}
	if l.isDiscard || len(keyvals) == 0 {
		return nil
	}
	if (len(keyvals) & 1) == 1 {
		keyvals = append(keyvals, "KEYVALS UNPAIRED")
	}

	if l.json {
		return l.jsonOutput(level, keyvals...)
	}

	buf := l.pool.Get().(*bytes.Buffer)
	defer l.pool.Put(buf)
	defer buf.Reset()

	title := level.String()
	color := func(str ...string) string { return gchalk.Gray(str...) }
	switch level {
	case log.LevelDebug:
		color = gchalk.Green
	case log.LevelInfo:
		color = gchalk.Blue
	case log.LevelWarn:
		color = gchalk.Yellow
	case log.LevelError, log.LevelFatal:
		color = gchalk.BgBrightRed
	}
	buf.WriteString(color(title))

	for i := 0; i < len(keyvals); i += 2 {
		k := fmt.Sprintf("%s", keyvals[i])
		v := fmt.Sprintf("%v", keyvals[i+1])

		if l.skipN && v == "" {
			continue
		}

		// caller字段加个空格，方便 VSCode 编辑器点击跳转到代码
		if l.debug && k == "caller" {
			v = " " + v
		}

		_, _ = fmt.Fprintf(buf, " %s%s%v", gchalk.Gray(k), gchalk.Gray("="), v)
	}
	buf.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.w.Write(buf.Bytes())
	return err
}

// jsonValue error / Stringer 直接 Marshal 会变成 {}，这里先转成字符串
func jsonValue(v interface{}) interface{} {
	switch x := v.(type) {
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	}
	return v
}

func (l *stdColorLogger) jsonOutput(level log.Level, keyvals ...interface{}) error {
	param := map[string]interface{}{"level": level.String()}
	for i := 0; i < len(keyvals); i += 2 {
		k := fmt.Sprintf("%v", keyvals[i])
		v := jsonValue(keyvals[i+1])
		if l.skipN && v == "" {
			continue
		}
		param[k] = v
	}
	data, err := json.Marshal(&param)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(data)
	return err
}

func (l *stdColorLogger) Close() error {
	return nil
}
