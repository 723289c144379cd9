package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	proxy "github.com/paulgrammer/search-proxy"
)

var fetchFlags struct {
	output string
	follow bool
	caller string
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <gateway-path>",
	Short: "Download a blob through the gateway",
	Long: `Download a blob using a gateway path as found in search results, e.g.
/multiNxApps/hr/nxfile/default/1234/file:content/report.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchFlags.output, "output", "o", "", "output file or directory, '-' for stdout")
	fetchCmd.Flags().BoolVar(&fetchFlags.follow, "follow", true, "download the target of storage redirects")
	fetchCmd.Flags().StringVar(&fetchFlags.caller, "as", os.Getenv("USER"), "identity of the caller, used by current-user endpoints")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	service, _, err := loadService()
	if err != nil {
		return err
	}
	defer service.Close()

	ctx := cmd.Context()
	if fetchFlags.caller != "" {
		ctx = proxy.WithCaller(ctx, fetchFlags.caller)
	}

	blob, err := service.Fetch(ctx, args[0], fetchFlags.follow)
	if err != nil {
		return err
	}
	defer blob.Close()

	if blob.Redirect != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "HTTP %d\nLocation: %s\n", blob.Redirect.Status, blob.Redirect.Location)
		return nil
	}

	if fetchFlags.output == "-" {
		_, err := io.Copy(cmd.OutOrStdout(), blob.Body)
		return err
	}

	target := fetchFlags.output
	if target == "" {
		target = blob.Filename
	} else if info, err := os.Stat(target); err == nil && info.IsDir() {
		target = filepath.Join(target, blob.Filename)
	}

	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	defer f.Close()

	n, err := io.Copy(f, blob.Body)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "saved %s (%s, %d bytes)\n", target, blob.MIMEType, n)
	return nil
}
