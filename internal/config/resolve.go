package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// configDir --config 指定的目录，优先于 CONFIG_DIR 与默认搜索路径
var configDir string

// SetConfigDir 设置配置文件目录（用于 --config 命令行参数）
func SetConfigDir(dir string) {
	configDir = dir
}

// searchDirs 按优先级返回配置目录
//
//  1. --config（SetConfigDir）
//  2. CONFIG_DIR
//  3. prod：/etc/agents-dispatch、./configs；其他环境：相对工作目录向上查找 configs/
func searchDirs(env Environment) []string {
	if configDir != "" {
		return []string{configDir}
	}
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return []string{dir}
	}
	if env == EnvProduction {
		return []string{"/etc/agents-dispatch", "configs"}
	}
	// go test 在包目录下运行，向上两级即可到仓库根
	return []string{"configs", filepath.Join("..", "configs"), filepath.Join("..", "..", "configs")}
}

// findConfigFile 返回第一个存在的 name，均不存在时返回空串
func findConfigFile(env Environment, name string) string {
	for _, dir := range searchDirs(env) {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// loadEnvFiles 加载 .env 文件（不覆盖已有环境变量）
//
// ENV_FILE 指定时只加载该文件，任何环境都生效；
// 否则 prod 不读 .env（凭据由 systemd EnvironmentFile 注入），
// dev/test 依次尝试 .env.{env} 与 .env（当前目录优先，其次上一级）。
func loadEnvFiles(env Environment) error {
	if path := os.Getenv("ENV_FILE"); path != "" {
		return godotenv.Load(path)
	}
	if env == EnvProduction {
		return nil
	}
	for _, name := range []string{".env." + string(env), ".env"} {
		for _, dir := range []string{".", ".."} {
			err := godotenv.Load(filepath.Join(dir, name))
			if err == nil {
				break
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}
	return nil
}
