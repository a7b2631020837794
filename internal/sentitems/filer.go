package sentitems

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/categories"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/classify"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/detect"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/folders"
)

type mappingSaver interface {
	SaveRFQMapping(ctx context.Context, keys []string, m classify.RFQMapping) error
}

// SentRFQ describes an outbound RFQ the send workflow just handed off.
type SentRFQ struct {
	Subject      string
	Recipient    string
	MaterialCode string
	RFQID        string
	SupplierID   string
	SupplierName string
}

// FileResult reports where the sent RFQ ended up.
type FileResult struct {
	Result
	Folder   string
	Warnings []string
}

// Filer moves resolved sent RFQs into {material}/SentRFQs.
type Filer struct {
	resolver  *Resolver
	directory *folders.Directory
	sync      *categories.Synchronizer
	mappings  mappingSaver
	logger    zerolog.Logger
}

// FilerOption customizes a Filer.
type FilerOption func(*Filer)

// WithMappingStore records the RFQ to supplier mapping under the sent
// message's threading keys.
func WithMappingStore(store mappingSaver) FilerOption {
	return func(f *Filer) {
		f.mappings = store
	}
}

// WithFilerLogger sets the diagnostic logger.
func WithFilerLogger(logger zerolog.Logger) FilerOption {
	return func(f *Filer) {
		f.logger = logger
	}
}

// NewFiler shares the directory and synchronizer with the reply pipeline.
func NewFiler(resolver *Resolver, directory *folders.Directory, sync *categories.Synchronizer, opts ...FilerOption) *Filer {
	f := &Filer{
		resolver:  resolver,
		directory: directory,
		sync:      sync,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FileSentRFQ locates the sent message and files it. A message that never
// became visible yields Found=false and no error.
func (f *Filer) FileSentRFQ(ctx context.Context, rfq SentRFQ) (FileResult, error) {
	material := strings.ToUpper(strings.TrimSpace(rfq.MaterialCode))
	if material == "" {
		material, _ = detect.ExtractMaterialCode(rfq.Subject)
	}
	if material == "" {
		return FileResult{}, errors.New("sent rfq: no material code")
	}

	res, err := f.resolver.Resolve(ctx, rfq.Subject, rfq.Recipient)
	out := FileResult{Result: res}
	if err != nil || !res.Found {
		return out, err
	}
	msg := res.Message

	if _, err := f.directory.InitializeMaterialFolders(ctx, material); err != nil {
		return out, fmt.Errorf("sent rfq folders: %w", err)
	}
	for _, c := range msg.Categories {
		if categories.IsLocationCategory(c) {
			if err := f.sync.RemoveFolderCategories(ctx, msg.ID); err != nil {
				out.Warnings = append(out.Warnings, err.Error())
			}
			break
		}
	}

	path := folders.Path(material, folders.SentRFQs)
	newID, err := f.directory.MoveMessageToFolder(ctx, msg.ID, path)
	if err != nil {
		return out, fmt.Errorf("sent rfq move: %w", err)
	}
	out.MessageID = newID
	out.Folder = path

	if err := f.sync.SetFolderCategory(ctx, newID, folders.SentRFQs); err != nil {
		f.logger.Warn().Err(err).Str("message_id", newID).Msg("could not tag sent rfq")
		out.Warnings = append(out.Warnings, err.Error())
	}

	if f.mappings != nil && (rfq.RFQID != "" || rfq.SupplierID != "") {
		supplier := rfq.SupplierID
		if supplier == "" {
			supplier = strings.ToLower(strings.TrimSpace(rfq.Recipient))
		}
		mapping := classify.RFQMapping{RFQID: rfq.RFQID, SupplierID: supplier, SupplierName: rfq.SupplierName}
		if err := f.mappings.SaveRFQMapping(ctx, classify.ThreadingKeys(msg), mapping); err != nil {
			f.logger.Warn().Err(err).Str("message_id", newID).Msg("could not store rfq mapping")
			out.Warnings = append(out.Warnings, err.Error())
		}
	}

	f.logger.Info().Str("folder", path).Int("attempts", res.Attempts).Msg("sent rfq filed")
	return out, nil
}
