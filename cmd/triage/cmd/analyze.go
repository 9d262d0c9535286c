package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/oriys/triage/internal/domain"
	"github.com/oriys/triage/internal/orchestrator"
	"github.com/spf13/cobra"
)

// analyzeCmd 无状态分析一条日志：提取、分类并给出处置方案，不创建运行
var analyzeCmd = &cobra.Command{
	Use:   "analyze [log]",
	Short: "Classify a log line and list remediation options",
	Long: `Classify a raw log and print the ranked remediation options.

The log can be given as an argument, read from a file, or piped on stdin.

Examples:
  triage analyze "2024-01-01T10:00:00Z [ERR403] AccessDenied: not authorized"
  triage analyze --file error.log
  kubectl logs pod/api | tail -1 | triage analyze --local`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

var (
	analyzeFile  string // 日志文件路径，"-" 表示标准输入
	analyzeLocal bool   // 在本地执行，不访问网关
)

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().StringVarP(&analyzeFile, "file", "f", "", "read log from file (\"-\" for stdin)")
	analyzeCmd.Flags().BoolVar(&analyzeLocal, "local", false, "analyze locally without contacting the gateway")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	raw, err := readLogInput(cmd, args, analyzeFile)
	if err != nil {
		return err
	}

	var analysis *domain.Analysis
	if analyzeLocal {
		analysis, err = orchestrator.NewDefaultPipeline().Analyze(raw)
	} else {
		analysis, err = newClient().Analyze(cmd.Context(), raw)
	}
	if err != nil {
		return err
	}
	return NewPrinter(cmd.OutOrStdout()).PrintAnalysis(analysis)
}

// readLogInput 依次从参数、文件、标准输入读取日志文本
func readLogInput(cmd *cobra.Command, args []string, file string) (string, error) {
	switch {
	case len(args) > 0:
		return args[0], nil
	case file == "-":
		return readAll(cmd.InOrStdin())
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read file: %w", err)
		}
		return string(data), nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return "", fmt.Errorf("no log given: pass it as an argument, with --file, or on stdin")
		}
	}
	return readAll(in)
}

func readAll(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}
