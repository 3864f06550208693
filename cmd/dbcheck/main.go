// server/cmd/dbcheck/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"accountserver/internal/conf"
	"accountserver/internal/data"
	"accountserver/pkg/logger"

	"github.com/go-kratos/kratos/v2/log"
)

var flagconf string

func init() {
	flag.StringVar(&flagconf, "conf", "", "config path, eg: -conf ./configs/config.yaml")
}

// 打开配置里的 sqlite（会执行迁移），打印登录方式和用户概况。
func main() {
	flag.Parse()

	confPath := conf.ResolvePath(flagconf)
	bc, closeConf, err := conf.Load(confPath)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	defer closeConf()
	if bc.Data == nil || bc.Data.Database == nil {
		fmt.Printf("❌ data.database is missing in %s\n", confPath)
		os.Exit(1)
	}

	fmt.Println("-------------------------------------------------")
	fmt.Printf("Checking sqlite: %s\n", bc.Data.Database.Path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := check(ctx, bc); err != nil {
		fmt.Printf("❌ check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✅ database OK")
}

func check(ctx context.Context, bc *conf.Bootstrap) error {
	l := log.NewFilter(logger.NewDefaultLoggerForTest(), log.FilterLevel(log.LevelWarn))

	d, cleanup, err := data.NewData(bc.Data, l)
	if err != nil {
		return fmt.Errorf("NewData: %w", err)
	}
	defer cleanup()

	if err := d.SQLDB().PingContext(ctx); err != nil {
		return fmt.Errorf("PingContext: %w", err)
	}

	methods, err := data.NewAuthMethodRepo(d, l).ListAuthMethods(ctx)
	if err != nil {
		return fmt.Errorf("ListAuthMethods: %w", err)
	}
	if len(methods) == 0 {
		fmt.Println("auth methods: none (server needs bootstrap)")
	}
	for _, m := range methods {
		fmt.Printf("auth method: %-8s active=%v\n", m.Method, m.Active)
	}

	users := data.NewUserRepo(d, l)
	total, err := users.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("CountUsers: %w", err)
	}
	owners, err := users.GetOwnerCount(ctx)
	if err != nil {
		return fmt.Errorf("GetOwnerCount: %w", err)
	}
	fmt.Printf("users: %d owners: %d\n", total, owners)
	return nil
}
