package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/fieldcmd/app"
	"github.com/kilianp07/fieldcmd/core/instruction"
	"github.com/kilianp07/fieldcmd/pkg/export"
)

var (
	instrNode    int64
	instrTopic   string
	instrParams  []string
	instrExpires time.Duration
	listLimit    int
	listFormat   string
)

var instructCmd = &cobra.Command{
	Use:   "instruct",
	Short: "Queue an instruction for a node and wait for its delivery attempt",
	RunE:  instruct,
}

var listCmd = &cobra.Command{
	Use:   "instructions",
	Short: "List the latest instructions of a node",
	RunE:  listInstructions,
}

func init() {
	instructCmd.Flags().Int64Var(&instrNode, "node", 0, "target node id")
	instructCmd.Flags().StringVar(&instrTopic, "topic", "", "instruction topic")
	instructCmd.Flags().StringArrayVarP(&instrParams, "param", "p", nil, "parameter as name=value, repeatable")
	instructCmd.Flags().DurationVar(&instrExpires, "expires", 0, "expire the instruction after this duration")
	_ = instructCmd.MarkFlagRequired("node")
	_ = instructCmd.MarkFlagRequired("topic")

	listCmd.Flags().Int64Var(&instrNode, "node", 0, "node id")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of instructions")
	listCmd.Flags().StringVarP(&listFormat, "format", "o", string(export.FormatJSON), "output format: json or csv")
	_ = listCmd.MarkFlagRequired("node")

	rootCmd.AddCommand(instructCmd, listCmd)
}

func parseParams(raw []string) (instruction.Parameters, error) {
	params := make(instruction.Parameters, 0, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected name=value", kv)
		}
		params = append(params, instruction.Parameter{Name: name, Value: value})
	}
	return params, nil
}

func instruct(cmd *cobra.Command, _ []string) error {
	params, err := parseParams(instrParams)
	if err != nil {
		return err
	}
	in := instruction.Input{NodeID: instrNode, Topic: instrTopic, Parameters: params}
	if instrExpires > 0 {
		exp := time.Now().Add(instrExpires)
		in.ExpirationDate = &exp
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	svc, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeService(svc)
	instr, err := svc.Enqueue(ctx, in)
	if err != nil {
		return err
	}
	if err := svc.Drain(ctx); err != nil {
		return err
	}
	if instr, err = svc.Instruction(ctx, instr.ID); err != nil {
		return err
	}
	return printJSON(cmd, instr)
}

func listInstructions(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	svc, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeService(svc)
	list, err := svc.Instructions(ctx, instrNode, listLimit)
	if err != nil {
		return err
	}
	return export.Write(cmd.OutOrStdout(), export.Format(listFormat), list)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
