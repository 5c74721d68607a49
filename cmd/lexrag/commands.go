package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/lexrag"
	"github.com/brunobiangulo/lexrag/analysis"
	"github.com/brunobiangulo/lexrag/eval"
	"github.com/brunobiangulo/lexrag/retrieval"
	"github.com/brunobiangulo/lexrag/store"
)

func newIngestCmd(g *globalFlags) *cobra.Command {
	var req ingestRequest
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest documents and wait for them to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := req.options()
			if err != nil {
				return err
			}
			engine, err := openEngine(g, false)
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx := cmd.Context()
			var ids []string
			for _, path := range args {
				id, err := engine.Submit(ctx, path, opts...)
				if errors.Is(err, lexrag.ErrQueueFull) {
					// Fall back to processing in the foreground.
					id, err = engine.Ingest(ctx, path, opts...)
				}
				if err != nil && id == "" {
					return fmt.Errorf("%s: %w", path, err)
				}
				ids = append(ids, id)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFILE\tSTATUS\tPAGES\tTYPE\tERROR")
			failed := 0
			for _, id := range ids {
				doc, err := engine.Wait(ctx, id)
				if err != nil {
					return err
				}
				if doc.Status == store.StatusFailed {
					failed++
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					doc.ID, doc.Filename, doc.Status, doc.PageCount, doc.DocumentType, doc.Error)
			}
			tw.Flush()
			if failed > 0 {
				return fmt.Errorf("%d of %d documents failed", failed, len(ids))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&req.Force, "force", false, "reprocess even if the file is unchanged")
	f.StringVar(&req.Format, "format", "", "file format (pdf, docx, text, markdown, xlsx); default from extension")
	f.StringVar(&req.Title, "title", "", "document title")
	f.StringVar(&req.DocumentType, "type", "", "document type: court_decision, statute, regulation, contract, other")
	f.StringVar(&req.Jurisdiction, "jurisdiction", "", "jurisdiction")
	f.StringVar(&req.PublishedAt, "published", "", "publication date, YYYY-MM-DD")
	f.StringVar(&req.Source, "source", "", "where the document came from")
	return cmd
}

func newSearchCmd(g *globalFlags) *cobra.Command {
	var (
		q             lexrag.Query
		mode          string
		types         []string
		jurisdictions []string
		citation      bool
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search ingested documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Text = strings.Join(args, " ")
			q.Mode = retrieval.Mode(mode)
			for _, t := range types {
				dt, err := store.ParseDocumentType(t)
				if err != nil {
					return err
				}
				q.Filters.DocumentTypes = append(q.Filters.DocumentTypes, dt)
			}
			q.Filters.Jurisdictions = jurisdictions

			engine, err := openEngine(g, false)
			if err != nil {
				return err
			}
			defer engine.Close()

			var results []lexrag.SearchResult
			if citation {
				results, err = engine.SearchCitation(cmd.Context(), q.Text, q.Limit)
			} else {
				var resp *lexrag.SearchResponse
				if resp, err = engine.Search(cmd.Context(), q); err == nil {
					results = resp.Results
				}
			}
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), results)
			}
			printResults(cmd.OutOrStdout(), results)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&mode, "mode", string(retrieval.ModeHybrid), "semantic, keyword or hybrid")
	f.IntVar(&q.Limit, "limit", 10, "maximum results")
	f.IntVar(&q.PerDocument, "per-doc", 1, "maximum results per document")
	f.BoolVar(&q.Rerank, "rerank", false, "rerank the top results")
	f.StringSliceVar(&types, "type", nil, "restrict to document types")
	f.StringSliceVar(&jurisdictions, "jurisdiction", nil, "restrict to jurisdictions")
	f.BoolVar(&citation, "citation", false, "treat the query as a citation and find passages quoting it")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printResults(w io.Writer, results []lexrag.SearchResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "no results")
		return
	}
	for i, r := range results {
		fmt.Fprintf(w, "%d. %s (p. %d) score=%.3f", i+1, r.Title, r.PageNumber, r.Score)
		if r.SectionTitle != "" {
			fmt.Fprintf(w, " [%s]", r.SectionTitle)
		}
		fmt.Fprintf(w, "\n   %s\n", strings.Join(strings.Fields(r.Snippet), " "))
	}
}

func newAnalyzeCmd(g *globalFlags) *cobra.Command {
	var (
		req    lexrag.AnalysisRequest
		typ    string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "analyze <query>",
		Short: "Produce a grounded legal analysis",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := analysis.ParseType(typ)
			if err != nil {
				return err
			}
			req.Query = strings.Join(args, " ")
			req.Type = t

			engine, err := openEngine(g, false)
			if err != nil {
				return err
			}
			defer engine.Close()

			res, err := engine.Analyze(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printAnalysis(cmd.OutOrStdout(), res)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&typ, "type", "general", "general, case_law, statute or precedent")
	f.BoolVar(&req.IncludeCitations, "citations", true, "list cited authorities")
	f.BoolVar(&req.IncludeCounterarguments, "counterarguments", false, "include counterarguments")
	f.BoolVar(&req.AllowDegraded, "allow-degraded", false, "return evidence only when the model fails")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printAnalysis(w io.Writer, res *lexrag.AnalysisResult) {
	if res.Status != analysis.StatusComplete {
		fmt.Fprintf(w, "[%s] %s\n\n", res.Status, res.Unavailable)
	}
	if res.Analysis != "" {
		fmt.Fprintf(w, "%s\n\n", res.Analysis)
	}
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(w, "%s:\n", title)
		for _, it := range items {
			fmt.Fprintf(w, "  - %s\n", it)
		}
		fmt.Fprintln(w)
	}
	section("Key points", res.KeyPoints)
	var cites []string
	for _, c := range res.Citations {
		mark := ""
		if !c.Verified {
			mark = " (unverified)"
		}
		cites = append(cites, c.Text+mark)
	}
	section("Citations", cites)
	section("Counterarguments", res.Counterarguments)
	var sources []string
	for _, e := range res.Evidence {
		sources = append(sources, fmt.Sprintf("%s %s, p. %d", e.Label, e.Title, e.PageNumber))
	}
	section("Evidence", sources)
	fmt.Fprintf(w, "Confidence: %.2f", res.Confidence)
	if res.Cached {
		fmt.Fprint(w, " (cached)")
	}
	fmt.Fprintln(w)
}

func newEvalCmd(g *globalFlags) *cobra.Command {
	var (
		ingest bool
		out    string
	)
	cmd := &cobra.Command{
		Use:   "eval <dataset.yaml>",
		Short: "Measure retrieval quality against a labelled dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := eval.LoadDataset(args[0])
			if err != nil {
				return err
			}
			engine, err := openEngine(g, false)
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx := cmd.Context()
			if ingest {
				base := filepath.Dir(args[0])
				for _, doc := range ds.Documents {
					path := doc
					if !filepath.IsAbs(path) {
						path = filepath.Join(base, path)
					}
					if _, err := engine.Ingest(ctx, path); err != nil {
						return fmt.Errorf("ingesting %s: %w", doc, err)
					}
				}
			}

			report, err := eval.NewEvaluator(engine).Run(ctx, ds)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), eval.FormatReport(report))
			if out == "" {
				return nil
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			return printJSON(f, report)
		},
	}
	cmd.Flags().BoolVar(&ingest, "ingest", true, "ingest the dataset's documents first")
	cmd.Flags().StringVar(&out, "out", "", "also write the report as JSON to this file")
	return cmd
}

func newEntitiesCmd(g *globalFlags) *cobra.Command {
	var (
		types  []string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "entities <document-id>",
		Short: "List the parties, courts and authorities a document names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var want []analysis.EntityType
			for _, s := range types {
				t, err := analysis.ParseEntityType(s)
				if err != nil {
					return err
				}
				want = append(want, t)
			}
			engine, err := openEngine(g, false)
			if err != nil {
				return err
			}
			defer engine.Close()

			ents, err := engine.ExtractEntities(cmd.Context(), args[0], want)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), ents)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tNAME\tCHUNKS")
			for _, e := range ents.Entities {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", e.Type, e.Name, e.Mentions)
			}
			if ents.ChunksFailed > 0 {
				fmt.Fprintf(tw, "\n%d of %d chunks failed\n", ents.ChunksFailed, ents.ChunksRead)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&types, "type", nil, "entity types to extract (default all)")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newBriefCmd(g *globalFlags) *cobra.Command {
	var (
		req    analysis.BriefRequest
		kind   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "brief <topic>",
		Short: "Write a legal brief grounded in stored documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Topic = strings.Join(args, " ")
			req.Kind = analysis.BriefKind(kind)

			engine, err := openEngine(g, false)
			if err != nil {
				return err
			}
			defer engine.Close()

			b, err := engine.Brief(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), b)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s\n\nSources:\n", b.Text)
			for i, s := range b.Sources {
				fmt.Fprintf(w, "  [%d] %s\n", i+1, s.Title)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "type", string(analysis.BriefResearch), "research, argument or motion")
	f.StringVar(&req.Jurisdiction, "jurisdiction", "", "limit sources to a jurisdiction")
	f.StringSliceVar(&req.DocumentIDs, "doc", nil, "write from these documents instead of searching")
	f.IntVar(&req.MaxWords, "max-words", 0, "target length in words (default 2000)")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
