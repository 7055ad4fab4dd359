package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zswitten/trlx"
	"github.com/zswitten/trlx/internal/config"
	"github.com/zswitten/trlx/internal/observability/logging"
	"github.com/zswitten/trlx/pkg/tokenizer"
)

type ilqlFlags struct {
	samples        string
	out            string
	tokenizer      string
	alphabet       string
	maxLength      int
	truncationSide string
	logLevel       string
}

func newILQLCmd() *cobra.Command {
	var f ilqlFlags
	cmd := &cobra.Command{
		Use:   "ilql-experience",
		Short: "Build offline ILQL experience from scored dialogues",
		Long: `Reads JSONL lines of {"dialogue": ..., "reward": r} where dialogue is a
string, a list of alternating prompt/response turns, or a list of token id
lists, and writes one experience element per line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runILQL(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.samples, "samples", "", "JSONL file of scored dialogues")
	cmd.Flags().StringVar(&f.out, "out", "", "output JSONL file")
	cmd.Flags().StringVar(&f.tokenizer, "tokenizer", "char", `"char", "none" for pre-tokenized samples, or a tokenizer.json path`)
	cmd.Flags().StringVar(&f.alphabet, "alphabet", config.DefaultAlphabet, "alphabet of the char tokenizer")
	cmd.Flags().IntVar(&f.maxLength, "max-length", 1024, "maximum tokens per dialogue")
	cmd.Flags().StringVar(&f.truncationSide, "truncation-side", "right", "left or right")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	_ = cmd.MarkFlagRequired("samples")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func runILQL(ctx context.Context, f ilqlFlags) error {
	zl, err := logging.NewZapLogger(logging.LogConfig{Level: f.logLevel, Format: "json", Output: "stderr"})
	if err != nil {
		return err
	}
	defer zl.Sync()
	ctx = logging.WithRunID(ctx, uuid.NewString())
	logger := zl.WithContext(ctx)

	var tok tokenizer.Tokenizer
	if f.tokenizer != "none" {
		side, err := tokenizer.ParseSide(f.truncationSide)
		if err != nil {
			return err
		}
		tok, err = trlx.LoadTokenizer(config.ModelConfig{Tokenizer: f.tokenizer, Alphabet: f.alphabet},
			tokenizer.WithTruncationSide(side))
		if err != nil {
			return err
		}
	}

	in, err := os.Open(f.samples)
	if err != nil {
		return err
	}
	defer in.Close()
	samples, err := trlx.ReadScored(in)
	if err != nil {
		return err
	}

	storage, err := trlx.MakeILQLExperience(ctx, tok, samples, f.maxLength, trlx.Collaborators{Logger: logger})
	if err != nil {
		return err
	}
	if err := storage.Save(f.out); err != nil {
		return err
	}
	logger.Info("experience written", logging.String("path", f.out), logging.Int("elements", storage.Len()))
	return nil
}
