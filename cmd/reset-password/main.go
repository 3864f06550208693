// server/cmd/reset-password/main.go
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"accountserver/internal/biz"
	"accountserver/internal/conf"
	"accountserver/internal/data"
	"accountserver/pkg/logger"

	"github.com/go-kratos/kratos/v2/log"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/term"
)

var flagconf string

func init() {
	flag.StringVar(&flagconf, "conf", "", "config path, eg: -conf ./configs/config.yaml")
}

// 离线重置服务器密码：未初始化时直接完成 password 初始化，否则覆盖现有 hash。
// 密码从终端隐藏输入读取；非终端（管道）时读取第一行。
func main() {
	flag.Parse()

	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "reset-password failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	confPath := conf.ResolvePath(flagconf)
	bc, closeConf, err := conf.Load(confPath)
	if err != nil {
		return err
	}
	defer closeConf()
	if bc.Data == nil {
		return fmt.Errorf("data config is nil, please check %s", confPath)
	}

	l := log.NewFilter(logger.NewDefaultLoggerForTest(), log.FilterLevel(log.LevelWarn))
	tp := tracesdk.NewTracerProvider()
	defer func() { _ = tp.Shutdown(ctx) }()

	d, cleanup, err := data.NewData(bc.Data, l)
	if err != nil {
		return err
	}
	defer cleanup()

	password, err := readPassword()
	if err != nil {
		return err
	}

	methodRepo := data.NewAuthMethodRepo(d, l)
	userRepo := data.NewUserRepo(d, l)
	fileRepo := data.NewFileRepo(d, l)
	sessionRepo := data.NewSessionRepo(d, l)
	notifier, closeNotifier := data.NewNotifier(bc.Notify, l)
	defer closeNotifier()

	passwords := biz.NewPasswordUsecase(d, methodRepo, userRepo, sessionRepo, bc.Auth, l, tp)
	// 只走 password 分支，openid 用例不需要
	methods := biz.NewAuthMethodUsecase(d, methodRepo, userRepo, fileRepo, sessionRepo, passwords, nil, notifier, bc.Auth, l, tp)

	needs, err := methods.NeedsBootstrap(ctx)
	if err != nil {
		return err
	}
	if needs {
		if err := methods.Bootstrap(ctx, biz.BootstrapSettings{Password: &password}, false); err != nil {
			return err
		}
		fmt.Println("password set, server bootstrapped")
		return nil
	}

	if err := passwords.ChangePassword(ctx, password); err != nil {
		return err
	}
	notifier.Notify(ctx, "password reset from command line")
	fmt.Println("password changed")
	return nil
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "Enter a password, then press enter: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	fmt.Fprint(os.Stderr, "Enter the password again: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	if len(first) == 0 {
		return "", errors.New("password cannot be empty")
	}
	return string(first), nil
}
