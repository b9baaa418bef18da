package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/wentf9/xops-remote/cmd/version"
	"github.com/wentf9/xops-remote/pkg/logger"
)

// configFile 为空时使用 ~/.xops/config.yaml
var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "xops [command] [flags]",
	Short: "xops 是一个远程会话与文件传输工具",
	Long: `xops 是一个远程会话与文件传输工具,
通过 SSH 连接远程主机提供交互式终端,
并以可暂停、可恢复、失败自动重试的传输队列在本地与远程之间复制文件。
连接过的主机和凭据会加密保存在配置文件中,下次可以直接使用别名连接。`,
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			version.PrintFullVersion(cmd.OutOrStdout())
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if debugFlag {
			logger.Logger.SetLogLevel("debug")
			println("调试模式已开启")
		}
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "显示版本信息")
	rootCmd.PersistentFlags().Bool("debug", false, "开启调试模式")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径 (默认 ~/.xops/config.yaml)")
}
