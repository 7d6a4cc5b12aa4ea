package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vidforge/vidforge/pkg/hardware"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration and hardware",
}

var configRecommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Detect hardware and recommend pool settings",
	Long: `Probe CPU, memory and GPU, and print the worker count this machine can
sustain. The same sizing is applied automatically when --workers is 0.`,
	RunE: runConfigRecommend,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configRecommendCmd)
}

type recommendation struct {
	Hardware *hardware.Info `json:"hardware" yaml:"hardware"`
	Workers  int            `json:"workers" yaml:"workers"`
}

func runConfigRecommend(cmd *cobra.Command, args []string) error {
	info := hardware.Detect()
	rec := recommendation{Hardware: info, Workers: info.RecommendWorkerCount()}

	switch outputFormat {
	case "json":
		return json.NewEncoder(os.Stdout).Encode(rec)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(rec)
	default:
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("CPU", info.CPUModel)
		table.Append("Threads", fmt.Sprintf("%d", info.CPUThreads))
		table.Append("RAM", fmt.Sprintf("%.1f GB", info.RAMTotalGB))
		gpu := "none"
		if info.HasGPU {
			gpu = info.GPUName
		}
		table.Append("GPU", gpu)
		table.Append("OS", fmt.Sprintf("%s/%s", info.OS, info.Arch))
		table.Append("Recommended workers", fmt.Sprintf("%d", rec.Workers))
		table.Render()
		return nil
	}
}
