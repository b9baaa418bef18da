package version

import (
	"fmt"
	"io"
	"runtime"
)

// 这些变量在编译时通过 -ldflags "-X github.com/wentf9/xops-remote/cmd/version.Version=v1.0.0" 覆盖
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// String 返回单行版本信息
func String() string {
	return fmt.Sprintf("xops %s (%s, %s)", Version, Commit, BuildTime)
}

// PrintFullVersion 打印详细版本信息
func PrintFullVersion(w io.Writer) {
	fmt.Fprintf(w, "Version:    %s\n", Version)
	fmt.Fprintf(w, "Git Commit: %s\n", Commit)
	fmt.Fprintf(w, "Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
