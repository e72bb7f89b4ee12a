package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chaos-io/sinfondo/batch"
	"github.com/chaos-io/sinfondo/rembg"
	"github.com/chaos-io/sinfondo/util"
	nhttp "github.com/chaos-io/sinfondo/util/http"
)

func newRemoveCmd(a *app) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "remove [files or URLs...]",
		Short: "Remove the background of local or remote images",
		Long: `Processes every image in order and writes the result into --out:
a single PNG for one image, imagenes_sin_fondo.zip for several.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd.Context(), a, args, out, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", ".", "output directory")
	cmd.Flags().Bool("keep-names", true, "derive output names from the original file names")
	cmd.Flags().String("policy", "", "what a failing image does to the batch: skip or abort")
	mustBind(a.v, cmd.Flags(), map[string]string{
		"APP_KEEP_NAMES":     "keep-names",
		"APP_FAILURE_POLICY": "policy",
	})

	return cmd
}

func runRemove(ctx context.Context, a *app, sources []string, outDir string, stdout, stderr io.Writer) error {
	defer util.Trace("remove command")()

	if len(sources) == 0 {
		_, _ = fmt.Fprintln(stderr, batch.EmptyBatchWarning)
		return batch.ErrEmptyBatch
	}

	client := nhttp.NewHTTPClient()
	uploads := make([]batch.Upload, 0, len(sources))
	for _, src := range sources {
		name, data, err := util.LoadSource(ctx, client, src)
		if err != nil {
			return fmt.Errorf("load %s: %w", src, err)
		}
		if name == "" {
			name = src
		}
		uploads = append(uploads, batch.Upload{Name: name, Data: data})
	}

	remover, err := rembg.New(a.cfg.RemoverOptions(), a.log)
	if err != nil {
		return err
	}

	processor := batch.NewProcessor(remover, a.log).WithProgressCallback(func(p batch.Progress) {
		if p.State == batch.StateProcessing && p.Done > 0 {
			_, _ = fmt.Fprintf(stderr, "[%d/%d] %s\n", p.Done, p.Total, p.Current)
		}
	})

	res, err := processor.Process(ctx, uploads, batch.Options{
		KeepOriginalNames: a.cfg.App.KeepNames,
		Policy:            a.cfg.App.FailurePolicy,
	})
	if res != nil {
		printOutcomes(stdout, res.Outcomes)
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	d := res.Deliverable
	target := filepath.Join(outDir, d.Filename)
	if err := os.WriteFile(target, d.Data, 0o644); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(stdout, "wrote %s (%s, %d bytes, %d ok, %d failed)\n",
		target, d.ContentType, len(d.Data), res.Succeeded(), len(res.Failures()))
	return nil
}

func printOutcomes(w io.Writer, outcomes []batch.Outcome) {
	for _, o := range outcomes {
		if o.OK() {
			_, _ = fmt.Fprintf(w, "ok    %d %s -> %s\n", o.Index, o.Source, o.Output)
		} else {
			_, _ = fmt.Fprintf(w, "FAIL  %d %s: %s\n", o.Index, o.Source, o.Error)
		}
	}
}
