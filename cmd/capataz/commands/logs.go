package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sevir/capataz/internal/logging"
	"github.com/sevir/capataz/internal/stream"
)

var logsCmd = &cobra.Command{
	Use:   "logs <task-id | file>",
	Short: "Print a readable transcript of a task's raw agent output",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().Bool("raw", false, "print the raw output without formatting")
}

func runLogs(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetBool("raw")

	path := args[0]
	if _, err := os.Stat(path); err != nil {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = filepath.Join(cfg.Agent.LogDir, args[0]+".log")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening task log: %w", err)
	}
	defer f.Close()

	out := cmd.OutOrStdout()
	if raw {
		_, err := io.Copy(out, f)
		return err
	}
	return formatTranscript(f, out)
}

// formatTranscript renders a raw output log. Invocation headers are kept so
// continuations stay visible.
func formatTranscript(r io.Reader, w io.Writer) error {
	parser := stream.NewParser(stream.WithLogger(logging.Nop()))
	formatter := stream.NewFormatter()
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "=== invocation ") {
			fmt.Fprintf(bw, "\n%s\n", line)
			formatter = stream.NewFormatter()
			continue
		}
		for _, msg := range parser.Feed([]byte(line + "\n")) {
			bw.WriteString(formatter.Format(msg))
		}
	}
	for _, msg := range parser.Flush() {
		bw.WriteString(formatter.Format(msg))
	}
	return scanner.Err()
}
