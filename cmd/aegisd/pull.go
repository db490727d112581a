package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const (
	defaultPullRepo     = "bartowski/Meta-Llama-3.1-8B-Instruct-GGUF"
	defaultPullFile     = "Meta-Llama-3.1-8B-Instruct-Q4_K_M.gguf"
	defaultPullRevision = "main"
	defaultPullEndpoint = "https://huggingface.co"
	defaultFastModelDir = "models/fast_brain"
)

type pullOpts struct {
	repo     string
	file     string
	revision string
	endpoint string
	token    string
}

func newPullCmd(opts *globalOpts) *cobra.Command {
	po := pullOpts{}
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Download the Fast model GGUF from Hugging Face unless it is already present",
		Long: `pull fetches the Fast tier model into fast_model_path. A path ending in
.gguf names the file itself; any other path is a directory that receives --file.
An existing file is left untouched.

Environment Variables:
  HF_ENDPOINT            Hugging Face endpoint (default https://huggingface.co)
  HF_TOKEN               Bearer token for gated repositories`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			dest := pullTarget(cfg.FastModelPath, po.file)
			_, err = pullModel(cmd.Context(), http.DefaultClient, po, dest, cmd.OutOrStdout(), time.Second)
			return err
		},
	}
	endpoint := os.Getenv("HF_ENDPOINT")
	if endpoint == "" {
		endpoint = defaultPullEndpoint
	}
	cmd.Flags().StringVar(&po.repo, "repo", defaultPullRepo, "Hugging Face repository")
	cmd.Flags().StringVar(&po.file, "file", defaultPullFile, "File within the repository")
	cmd.Flags().StringVar(&po.revision, "revision", defaultPullRevision, "Branch, tag or commit")
	cmd.Flags().StringVar(&po.endpoint, "endpoint", endpoint, "Hugging Face endpoint")
	cmd.Flags().StringVar(&po.token, "token", os.Getenv("HF_TOKEN"), "Access token")
	return cmd
}

// pullTarget resolves where the model file is written.
func pullTarget(fastModelPath, file string) string {
	switch {
	case fastModelPath == "":
		return filepath.Join(defaultFastModelDir, filepath.Base(file))
	case strings.EqualFold(filepath.Ext(fastModelPath), ".gguf"):
		return fastModelPath
	default:
		return filepath.Join(fastModelPath, filepath.Base(file))
	}
}

// pullModel downloads the file to dest through a "-partial" sibling that is
// renamed on success. It reports false when dest already existed.
func pullModel(ctx context.Context, client *http.Client, po pullOpts, dest string, out io.Writer, every time.Duration) (bool, error) {
	if fi, err := os.Stat(dest); err == nil && fi.Mode().IsRegular() {
		fmt.Fprintf(out, "model already present: %s (%s)\n", dest, humanize.IBytes(uint64(fi.Size())))
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, err
	}

	u := fmt.Sprintf("%s/%s/resolve/%s/%s", strings.TrimRight(po.endpoint, "/"), po.repo, po.revision, po.file)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	if po.token != "" {
		req.Header.Set("Authorization", "Bearer "+po.token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("pull %s: %w", po.file, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("pull %s: %s", u, resp.Status)
	}

	fmt.Fprintf(out, "pulling %s from %s", po.file, po.repo)
	if resp.ContentLength > 0 {
		fmt.Fprintf(out, " (%s)", humanize.IBytes(uint64(resp.ContentLength)))
	}
	fmt.Fprintln(out)

	partial := dest + "-partial"
	f, err := os.Create(partial)
	if err != nil {
		return false, err
	}
	pw := &progressWriter{total: resp.ContentLength}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				fmt.Fprintln(out, pw.line())
			case <-stop:
				return
			}
		}
	}()
	_, copyErr := io.Copy(io.MultiWriter(f, pw), resp.Body)
	close(stop)
	wg.Wait()
	closeErr := f.Close()

	n := pw.n.Load()
	switch {
	case copyErr != nil:
		err = fmt.Errorf("pull %s: %w", po.file, copyErr)
	case closeErr != nil:
		err = closeErr
	case resp.ContentLength >= 0 && n != resp.ContentLength:
		err = fmt.Errorf("pull %s: got %d of %d bytes", po.file, n, resp.ContentLength)
	}
	if err != nil {
		_ = os.Remove(partial)
		return false, err
	}
	if err := os.Rename(partial, dest); err != nil {
		return false, err
	}
	fmt.Fprintf(out, "model ready: %s (%s)\n", dest, humanize.IBytes(uint64(n)))
	return true, nil
}

type progressWriter struct {
	n     atomic.Int64
	total int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.n.Add(int64(len(b)))
	return len(b), nil
}

func (p *progressWriter) line() string {
	n := p.n.Load()
	if p.total <= 0 {
		return "  " + humanize.IBytes(uint64(n))
	}
	return fmt.Sprintf("  %s / %s (%.1f%%)", humanize.IBytes(uint64(n)), humanize.IBytes(uint64(p.total)), 100*float64(n)/float64(p.total))
}
