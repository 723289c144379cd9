package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	proxy "github.com/paulgrammer/search-proxy"
)

var searchFlags struct {
	apps         string
	nxql         string
	provider     string
	queryParams  []string
	named        map[string]string
	enrichers    string
	properties   string
	pageIndex    int
	pageSize     int
	caller       string
	actingUser   string
	fullStack    bool
	includeLocal bool
	output       string
}

var searchCmd = &cobra.Command{
	Use:   "search [keywords]",
	Short: "Run a federated search and print the results",
	Example: `  search-proxy search "annual report"
  search-proxy search --nxql "SELECT * FROM File" --apps hr,legal
  search-proxy search --provider default_search --named dc_creator=jdoe -o table`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSearch,
}

func init() {
	f := searchCmd.Flags()
	f.StringVar(&searchFlags.apps, "apps", "", "comma separated application names, or 'all'")
	f.StringVar(&searchFlags.nxql, "nxql", "", "NXQL query, used instead of keywords")
	f.StringVar(&searchFlags.provider, "provider", "", "run this page provider instead of a query")
	f.StringSliceVar(&searchFlags.queryParams, "query-params", nil, "page provider positional parameters")
	f.StringToStringVar(&searchFlags.named, "named", nil, "page provider named parameters, name=value")
	f.StringVar(&searchFlags.enrichers, "enrichers", "", "comma separated document enrichers")
	f.StringVar(&searchFlags.properties, "properties", "", "comma separated schemas")
	f.IntVar(&searchFlags.pageIndex, "page-index", 0, "zero-based page index")
	f.IntVar(&searchFlags.pageSize, "page-size", 0, "page size per application")
	f.StringVar(&searchFlags.caller, "as", os.Getenv("USER"), "identity of the caller, used by current-user endpoints")
	f.StringVar(&searchFlags.actingUser, "acting-user", "", "token user override for this call")
	f.BoolVar(&searchFlags.fullStack, "full-stack", false, "include full error details")
	f.BoolVar(&searchFlags.includeLocal, "local", true, "also search the local repository")
	f.StringVarP(&searchFlags.output, "output", "o", "json", "output format: json or table")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	service, _, err := loadService()
	if err != nil {
		return err
	}
	defer service.Close()

	ctx := cmd.Context()
	if searchFlags.caller != "" {
		ctx = proxy.WithCaller(ctx, searchFlags.caller)
	}

	var enrichers, properties *string
	if cmd.Flags().Changed("enrichers") {
		enrichers = &searchFlags.enrichers
	}
	if cmd.Flags().Changed("properties") {
		properties = &searchFlags.properties
	}
	fullStack := searchFlags.fullStack
	includeLocal := searchFlags.includeLocal

	var envelope *proxy.Envelope
	if searchFlags.provider != "" {
		envelope, err = service.SearchByProvider(ctx, searchFlags.apps, proxy.ProviderCriteria{
			Provider:     searchFlags.provider,
			QueryParams:  searchFlags.queryParams,
			NamedParams:  searchFlags.named,
			Enrichers:    enrichers,
			Properties:   properties,
			PageIndex:    searchFlags.pageIndex,
			PageSize:     searchFlags.pageSize,
			ActingUser:   searchFlags.actingUser,
			Diagnostics:  &fullStack,
			IncludeLocal: &includeLocal,
		})
	} else {
		keywords := ""
		if len(args) > 0 {
			keywords = args[0]
		}
		envelope, err = service.Search(ctx, searchFlags.apps, proxy.SearchCriteria{
			Query:        searchFlags.nxql,
			Keywords:     keywords,
			Enrichers:    enrichers,
			Properties:   properties,
			PageIndex:    searchFlags.pageIndex,
			PageSize:     searchFlags.pageSize,
			ActingUser:   searchFlags.actingUser,
			Diagnostics:  &fullStack,
			IncludeLocal: &includeLocal,
		})
	}
	if err != nil {
		return err
	}

	switch searchFlags.output {
	case "table":
		printEnvelopeTable(cmd.OutOrStdout(), envelope)
		return nil
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(envelope)
	default:
		return fmt.Errorf("unknown output format %q", searchFlags.output)
	}
}

func printEnvelopeTable(w io.Writer, envelope *proxy.Envelope) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Application", "Status", "Title", "Type", "Link"})

	for _, result := range envelope.Results {
		info := result.SourceInfo
		if result.Failed() {
			t.AppendRow(table.Row{info.AppName, info.HTTPStatus, info.Message, "", ""})
			t.AppendSeparator()
			continue
		}
		if len(result.Entries) == 0 {
			t.AppendRow(table.Row{info.AppName, info.HTTPStatus, "(no match)", "", ""})
		}
		for _, doc := range result.Entries {
			title, _ := doc["title"].(string)
			docType, _ := doc["type"].(string)
			link := ""
			if di, ok := doc[proxy.SourceInfoProperty].(proxy.DocumentInfo); ok {
				link = di.DocFullURL
			}
			t.AppendRow(table.Row{info.AppName, info.HTTPStatus, title, docType, link})
		}
		t.AppendSeparator()
	}

	t.SetCaption("call %s", envelope.CallParameters.CallID)
	t.Render()
}
