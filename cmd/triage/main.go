// Package main 是 triage 命令行工具的入口点。
// triage 用于分析日志、管理分诊运行，并可作为 MCP 服务器供 AI 助手调用。
package main

import (
	"os"

	"github.com/oriys/triage/cmd/triage/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
