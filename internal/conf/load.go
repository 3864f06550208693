package conf

import (
	"fmt"
	"os"

	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/env"
	"github.com/go-kratos/kratos/v2/config/file"
)

// EnvPrefix 环境变量前缀：ACTUAL_LOGIN_METHOD 对应 yaml 里的 ${LOGIN_METHOD}
const EnvPrefix = "ACTUAL_"

// ResolvePath 按 flag > ACTUAL_CONFIG > 常见相对路径 的顺序查找配置文件。
func ResolvePath(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if v := os.Getenv(EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	candidates := []string{
		"./configs/config.yaml",
		"../configs/config.yaml",
		"../../configs/config.yaml",
	}
	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return "./configs/config.yaml"
}

// Load 读取配置文件并叠加环境变量，返回的 close 用于释放 watcher。
func Load(path string) (*Bootstrap, func(), error) {
	c := config.New(
		config.WithSource(
			file.NewSource(path),
			env.NewSource(EnvPrefix),
		),
	)
	if err := c.Load(); err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("load config failed: %w (conf=%s)", err, path)
	}

	var bc Bootstrap
	if err := c.Scan(&bc); err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("scan bootstrap config failed: %w", err)
	}
	if bc.Auth == nil {
		bc.Auth = &Auth{}
	}
	if bc.Notify == nil {
		bc.Notify = &Notify{}
	}
	return &bc, func() { _ = c.Close() }, nil
}
