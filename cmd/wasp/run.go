package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type runOptions struct {
	ints   []int32
	text   string
	bytes  []byte
	result string
}

func newRunCommand(global *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <plugin.wasm> <export>",
		Short: "Call one export of a plugin and print its result",
		Example: `  wasp run plugin.wasm sum --int 2 --int 3
  wasp run plugin.wasm hello --text Nic
  wasp run plugin.wasm reverse --bytes 010203`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, global, opts, args[0], args[1])
		},
	}

	flags := cmd.Flags()
	flags.Int32SliceVar(&opts.ints, "int", nil, "i32 argument, repeatable; passed before any buffer argument")
	flags.StringVar(&opts.text, "text", "", "UTF-8 text passed as a buffer")
	flags.BytesHexVar(&opts.bytes, "bytes", nil, "hex-encoded bytes passed as a buffer")
	flags.StringVar(&opts.result, "result", "", "result kind: int, text, bytes or none (default: matches the buffer argument, else int)")
	cmd.MarkFlagsMutuallyExclusive("text", "bytes")

	return cmd
}

func runExport(cmd *cobra.Command, global *globalOptions, opts *runOptions, path, export string) error {
	ctx := cmd.Context()
	a, logger, err := setup(ctx, global)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer a.Close(context.WithoutCancel(ctx))

	name, err := a.LoadFile(ctx, path)
	if err != nil {
		return err
	}
	inst, err := a.Instance(ctx, name)
	if err != nil {
		return err
	}

	args := make([]any, 0, len(opts.ints)+1)
	for _, v := range opts.ints {
		args = append(args, v)
	}
	result := opts.result
	switch {
	case cmd.Flags().Changed("text"):
		args = append(args, opts.text)
		if result == "" {
			result = "text"
		}
	case cmd.Flags().Changed("bytes"):
		args = append(args, opts.bytes)
		if result == "" {
			result = "bytes"
		}
	}
	if result == "" {
		result = "int"
	}

	logger.Debug("Calling export",
		zap.String("plugin", name),
		zap.String("export", export),
		zap.String("result", result),
	)

	out := cmd.OutOrStdout()
	switch result {
	case "int":
		var v int32
		if err := inst.CallFunction(ctx, export, &v, args...); err != nil {
			return err
		}
		fmt.Fprintln(out, v)
	case "text":
		var v string
		if err := inst.CallFunction(ctx, export, &v, args...); err != nil {
			return err
		}
		fmt.Fprintln(out, v)
	case "bytes":
		var v []byte
		if err := inst.CallFunction(ctx, export, &v, args...); err != nil {
			return err
		}
		fmt.Fprintln(out, hex.EncodeToString(v))
	case "none":
		return inst.CallFunction(ctx, export, nil, args...)
	default:
		return fmt.Errorf("unknown result kind %q", result)
	}
	return nil
}
