// Package cmd 包含 triage CLI 的所有命令实现，使用 cobra 构建命令行接口。
package cmd

import (
	"fmt"
	"os"

	"github.com/oriys/triage/internal/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// 全局命令行标志
var (
	cfgFile   string
	apiURL    string
	apiKey    string
	outputFmt string
)

var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "triage - rules-based log triage CLI",
	Long: `triage 将原始日志分类为已知的故障类别，给出排序后的处置方案，
并在选定方案后发送通知、创建工单。

使用示例:
  # 本地分析一条日志（不需要网关）
  triage analyze --local "2024-01-01 [ERR403] AccessDenied: user not authorized"

  # 通过网关创建分诊运行
  triage run start --file app.log

  # 选择方案并发送 Slack 通知、创建 Jira 工单
  triage run select <run-id> iam-grant-missing-action --notify --ticket

  # 实时查看运行状态
  triage run watch <run-id>`,
	SilenceUsage: true,
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径（默认为 $HOME/.triage.yaml）")
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "u", client.DefaultBaseURL, "网关地址")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API Key（或 \"Bearer <jwt>\"）")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "输出格式（table、json、yaml）")

	viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	viper.BindPFlag("api_key", rootCmd.PersistentFlags().Lookup("api-key"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
}

// initConfig 按优先级加载配置：命令行标志 > 环境变量 > 配置文件
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".triage")
	}

	// 环境变量格式：TRIAGE_<KEY>，如 TRIAGE_API_URL
	viper.SetEnvPrefix("TRIAGE")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

// newClient 根据当前配置创建网关客户端
func newClient() *client.Client {
	return client.New(viper.GetString("api_url"),
		client.WithAPIKey(viper.GetString("api_key"), viper.GetString("api_key_header")))
}
