package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

// ingestCmd 把日志逐行发布到 NATS 接入主题，由网关异步创建运行
var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Publish log lines to the NATS ingest subject",
	Long: `Publish each non-empty line of a file (or stdin) to the ingest subject.
The gateway consumes the subject and starts one triage run per line.

Examples:
  triage ingest app.log --source app-server
  tail -f app.log | grep ERROR | triage ingest --nats-url nats://nats:4222`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

var (
	ingestNatsURL string
	ingestSubject string
	ingestSource  string
)

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVar(&ingestNatsURL, "nats-url", nats.DefaultURL, "NATS server URL")
	ingestCmd.Flags().StringVar(&ingestSubject, "subject", "triage.ingest", "ingest subject")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "cli", "source label recorded on each run")
}

func runIngest(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer f.Close()
		in = f
	}

	nc, err := nats.Connect(ingestNatsURL,
		nats.Name("triage-cli"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	n, err := publishLines(nc, ingestSubject, ingestSource, in)
	if err != nil {
		return err
	}
	if err := nc.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Published %d log line(s) to %s\n", n, ingestSubject)
	return nil
}

// linePublisher 发布单条消息
type linePublisher interface {
	Publish(subj string, data []byte) error
}

// publishLines 逐行编码为接入消息并发布，返回发布条数
func publishLines(p linePublisher, subject, source string, in io.Reader) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	count := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		data, err := json.Marshal(map[string]string{"log": line, "source": source})
		if err != nil {
			return count, err
		}
		if err := p.Publish(subject, data); err != nil {
			return count, fmt.Errorf("failed to publish: %w", err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("failed to read input: %w", err)
	}
	return count, nil
}
