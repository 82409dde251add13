package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/frandata/fddpipe/internal/model"
)

var (
	registerFile     string
	registerManifest string
	registerState    string
	registerName     string
	registerType     string
	registerIssue    string
	registerAmend    string
	registerURL      string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register scraped FDD filings",
	Long: "Registers a single PDF with its portal metadata, or a batch from a JSON manifest. " +
		"Registration deduplicates by content hash, resolves the franchisor, and records lineage; " +
		"extraction happens later via 'process'.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		sched, err := buildScheduler(ctx, st)
		if err != nil {
			return err
		}

		docs, err := loadDocuments()
		if err != nil {
			return err
		}

		regs, errs := sched.RegisterBatch(ctx, docs)

		type outcome struct {
			File         string `json:"file"`
			FDDID        string `json:"fdd_id,omitempty"`
			Duplicate    bool   `json:"duplicate,omitempty"`
			FranchisorID string `json:"franchisor_id,omitempty"`
			Match        string `json:"match,omitempty"`
			Error        string `json:"error,omitempty"`
		}
		outcomes := make([]outcome, len(docs))
		var failed int
		for i, doc := range docs {
			outcomes[i].File = doc.SourceURL
			if errs[i] != nil {
				outcomes[i].Error = errs[i].Error()
				failed++
				continue
			}
			outcomes[i].FDDID = regs[i].FDDID
			outcomes[i].Duplicate = regs[i].Duplicate
			if regs[i].Resolution != nil {
				outcomes[i].FranchisorID = regs[i].Resolution.FranchisorID
				outcomes[i].Match = string(regs[i].Resolution.Kind)
			}
		}

		zap.L().Info("registration finished",
			zap.Int("documents", len(docs)),
			zap.Int("failed", failed),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcomes); err != nil {
			return eris.Wrap(err, "encode outcomes")
		}
		if failed > 0 {
			return eris.Errorf("%d of %d registrations failed", failed, len(docs))
		}
		return nil
	},
}

// manifestEntry is one line item of a register manifest.
type manifestEntry struct {
	File           string            `json:"file"`
	SourceState    string            `json:"source_state"`
	SourceURL      string            `json:"source_url,omitempty"`
	FranchisorName string            `json:"franchisor_name"`
	DocumentType   string            `json:"document_type"`
	IssueDate      string            `json:"issue_date"`
	AmendmentDate  string            `json:"amendment_date,omitempty"`
	PortalMetadata map[string]string `json:"portal_metadata,omitempty"`
}

func loadDocuments() ([]*model.RawDocument, error) {
	if (registerFile == "") == (registerManifest == "") {
		return nil, eris.New("exactly one of --file and --manifest is required")
	}

	if registerFile != "" {
		doc, err := buildDocument(manifestEntry{
			File:           registerFile,
			SourceState:    registerState,
			SourceURL:      registerURL,
			FranchisorName: registerName,
			DocumentType:   registerType,
			IssueDate:      registerIssue,
			AmendmentDate:  registerAmend,
		})
		if err != nil {
			return nil, err
		}
		return []*model.RawDocument{doc}, nil
	}

	raw, err := os.ReadFile(registerManifest)
	if err != nil {
		return nil, eris.Wrap(err, "read manifest")
	}
	var entries []manifestEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, eris.Wrap(err, "parse manifest")
	}
	if len(entries) == 0 {
		return nil, eris.New("manifest is empty")
	}

	base := filepath.Dir(registerManifest)
	docs := make([]*model.RawDocument, 0, len(entries))
	for i, e := range entries {
		if !filepath.IsAbs(e.File) {
			e.File = filepath.Join(base, e.File)
		}
		doc, err := buildDocument(e)
		if err != nil {
			return nil, eris.Wrapf(err, "manifest entry %d", i)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func buildDocument(e manifestEntry) (*model.RawDocument, error) {
	pdf, err := os.ReadFile(e.File)
	if err != nil {
		return nil, eris.Wrap(err, "read pdf")
	}

	issue, err := time.Parse("2006-01-02", e.IssueDate)
	if err != nil {
		return nil, eris.Wrap(err, "parse issue date")
	}
	var amend *time.Time
	if e.AmendmentDate != "" {
		t, err := time.Parse("2006-01-02", e.AmendmentDate)
		if err != nil {
			return nil, eris.Wrap(err, "parse amendment date")
		}
		amend = &t
	}

	docType := model.DocumentType(e.DocumentType)
	switch docType {
	case model.DocInitial, model.DocAmendment, model.DocRenewal:
	case "":
		docType = model.DocInitial
	default:
		return nil, eris.Errorf("unknown document type %q", e.DocumentType)
	}

	sourceURL := e.SourceURL
	if sourceURL == "" {
		sourceURL = e.File
	}

	return &model.RawDocument{
		Bytes:          pdf,
		SourceState:    e.SourceState,
		SourceURL:      sourceURL,
		FranchisorName: e.FranchisorName,
		DocumentType:   docType,
		IssueDate:      issue,
		AmendmentDate:  amend,
		PortalMetadata: e.PortalMetadata,
	}, nil
}

func init() {
	registerCmd.Flags().StringVar(&registerFile, "file", "", "path to a single FDD PDF")
	registerCmd.Flags().StringVar(&registerManifest, "manifest", "", "path to a JSON manifest of documents")
	registerCmd.Flags().StringVar(&registerState, "state", "", "filing state code, e.g. CA")
	registerCmd.Flags().StringVar(&registerName, "franchisor", "", "franchisor name as shown on the portal")
	registerCmd.Flags().StringVar(&registerType, "type", "Initial", "document type: Initial, Amendment, or Renewal")
	registerCmd.Flags().StringVar(&registerIssue, "issue-date", "", "issue date (YYYY-MM-DD)")
	registerCmd.Flags().StringVar(&registerAmend, "amendment-date", "", "amendment date (YYYY-MM-DD)")
	registerCmd.Flags().StringVar(&registerURL, "url", "", "source portal URL")
	rootCmd.AddCommand(registerCmd)
}
