package utils

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/term"
)

const (
	ConfigDir      = ".xops"
	ConfigFileName = "config.yaml"
	ConfigKeyName  = "config.key"
)

// ParseAddr 解析 user@host:port 格式的字符串
func ParseAddr(input string) (string, string, int) {
	var user, host string = "", ""
	var port int = 0
	if atIndex := strings.LastIndex(input, ":"); atIndex != -1 {
		port = ParsePort(input[atIndex+1:])
		input = input[:atIndex]
	}
	if atIndex := strings.Index(input, "@"); atIndex != -1 {
		user = strings.TrimSpace(input[:atIndex])
		input = input[atIndex+1:]
	}
	host = strings.TrimSpace(input)

	return user, host, port
}

// ParsePort 解析端口字符串
// 如果输入为空字符串或不是合法端口，则返回0
func ParsePort(input string) int {
	if input == "" {
		return 0
	}
	port, err := strconv.ParseUint(input, 10, 16)
	if err != nil {
		return 0
	}
	return int(port)
}

// SplitRemote 拆分 target:path 形式的远程路径，不含冒号时视为本地路径。
// Windows 盘符 (C:\) 不会被当作远程目标
func SplitRemote(input string) (target, path string, remote bool) {
	i := strings.Index(input, ":")
	if i <= 0 {
		return "", input, false
	}
	if i == 1 && len(input) > 2 && (input[2] == '\\' || input[2] == '/') {
		return "", input, false
	}
	return input[:i], input[i+1:], true
}

func GetCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		return ""
	}
	return currentUser.Username
}

// GetConfigFilePath 返回配置文件与密钥文件路径，密钥文件与配置文件放在同一目录
func GetConfigFilePath(override string) (configPath, keyPath string) {
	if override != "" {
		return override, filepath.Join(filepath.Dir(override), ConfigKeyName)
	}
	user, err := user.Current()
	if err != nil {
		return ConfigFileName, ConfigKeyName
	}
	return filepath.Join(user.HomeDir, ConfigDir, ConfigFileName), filepath.Join(user.HomeDir, ConfigDir, ConfigKeyName)
}

// ReadPasswordFromTerminal 从终端安全地读取密码
func ReadPasswordFromTerminal(prompt string) (string, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println() // 打印换行符，因为 ReadPassword 不会打印换行符
	if err != nil {
		return "", err
	}
	return string(password), nil
}

// FormatBytes 以 1024 为进制格式化字节数
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
