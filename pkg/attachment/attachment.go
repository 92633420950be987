// Package attachment stores uploaded files as a blob plus a metadata row and
// keeps the two halves consistent. The blob is always written first and
// removed again when the row cannot be committed.
package attachment

import (
	"context"
	"encoding/hex"
	"errors"
	"mime"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"shiftflow/pkg/apperr"
	"shiftflow/pkg/clock"
	"shiftflow/pkg/logging"
	"shiftflow/pkg/objectstore"
)

const where = "attachment"

var (
	// ErrNotFound is returned by Metadata when no row matches.
	ErrNotFound = errors.New("attachment not found")
)

// Record is the metadata row paired with a blob.
type Record struct {
	AttachmentID          string         `json:"attachmentId"`
	OrgID                 string         `json:"orgId"`
	FileName              string         `json:"fileName"`
	MIMEType              string         `json:"mimeType"`
	SizeBytes             int64          `json:"sizeBytes"`
	StoragePath           string         `json:"storagePath"`
	Checksum              string         `json:"checksum"`
	CreatedAtMs           int64          `json:"createdAtMs"`
	CreatedByMembershipID string         `json:"createdByMembershipId"`
	Extra                 map[string]any `json:"extra,omitempty"`
}

// Metadata persists attachment rows. DeleteAttachment must detach every row
// that references the attachment in the same transaction.
type Metadata interface {
	InsertAttachment(ctx context.Context, rec Record) error
	GetAttachment(ctx context.Context, orgID, attachmentID string) (Record, error)
	DeleteAttachment(ctx context.Context, orgID, attachmentID string) error
}

var DefaultAllowedMIMETypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"application/pdf",
	"text/plain",
	"text/csv",
}

const (
	DefaultMaxBytes  = 10 << 20
	DefaultKeyPrefix = "attachments"
)

type Config struct {
	AllowedMIMETypes []string
	MaxBytes         int64
	KeyPrefix        string
}

type Manager struct {
	blobs     objectstore.Store
	meta      Metadata
	allowed   map[string]struct{}
	maxBytes  int64
	keyPrefix string
	clock     clock.Clock
	logger    *zap.Logger
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = clock.OrReal(c) } }

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = logging.OrNop(l) } }

func NewManager(blobs objectstore.Store, meta Metadata, cfg Config, opts ...Option) *Manager {
	types := cfg.AllowedMIMETypes
	if len(types) == 0 {
		types = DefaultAllowedMIMETypes
	}
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[normalizeMIME(t)] = struct{}{}
	}
	m := &Manager{
		blobs:     blobs,
		meta:      meta,
		allowed:   allowed,
		maxBytes:  cfg.MaxBytes,
		keyPrefix: strings.Trim(cfg.KeyPrefix, "/"),
		clock:     clock.Real(),
		logger:    zap.NewNop(),
	}
	if m.maxBytes <= 0 {
		m.maxBytes = DefaultMaxBytes
	}
	if m.keyPrefix == "" {
		m.keyPrefix = DefaultKeyPrefix
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxBytes is the manager-wide ceiling.
func (m *Manager) MaxBytes() int64 { return m.maxBytes }

// Input describes one upload.
type Input struct {
	Data      []byte
	MIMEType  string
	FileName  string
	SizeLimit int64
	KeyPrefix string
	OrgID     string
	CreatedBy string
	Extra     map[string]any
}

func (m *Manager) limit(requested int64) int64 {
	if requested > 0 && requested < m.maxBytes {
		return requested
	}
	return m.maxBytes
}

// Validate checks type and size without touching any store.
func (m *Manager) Validate(mimeType string, size, sizeLimit int64) error {
	mt := normalizeMIME(mimeType)
	if _, ok := m.allowed[mt]; !ok {
		return apperr.New(apperr.CodeUnsupportedMIMEType, where, "file type not allowed").With("mimeType", mt)
	}
	if size <= 0 {
		return apperr.New(apperr.CodeInvalidPayload, where, "empty attachment")
	}
	if limit := m.limit(sizeLimit); size > limit {
		return apperr.New(apperr.CodeFileTooLarge, where, "attachment exceeds size limit").
			With("sizeBytes", size).
			With("limitBytes", limit)
	}
	return nil
}

// Store validates, writes the blob, then commits the metadata row. If the
// row cannot be written the blob is deleted before the error is returned.
func (m *Manager) Store(ctx context.Context, in Input) (Record, error) {
	if strings.TrimSpace(in.OrgID) == "" {
		return Record{}, apperr.New(apperr.CodeInvalidPayload, where, "organization required")
	}
	if err := m.Validate(in.MIMEType, int64(len(in.Data)), in.SizeLimit); err != nil {
		return Record{}, err
	}
	prefix := strings.Trim(in.KeyPrefix, "/")
	if prefix == "" {
		prefix = m.keyPrefix
	}
	id := uuid.NewString()
	rec := Record{
		AttachmentID:          id,
		OrgID:                 in.OrgID,
		FileName:              sanitizeFileName(in.FileName),
		MIMEType:              normalizeMIME(in.MIMEType),
		SizeBytes:             int64(len(in.Data)),
		StoragePath:           prefix + "/" + in.OrgID + "/" + id,
		Checksum:              Checksum(in.Data),
		CreatedAtMs:           m.clock.Now().UnixMilli(),
		CreatedByMembershipID: in.CreatedBy,
		Extra:                 in.Extra,
	}
	if err := m.blobs.Put(ctx, rec.StoragePath, in.Data, rec.MIMEType); err != nil {
		return Record{}, apperr.Wrap(apperr.CodeObjectStoreUnavailable, where, "object store write failed", err)
	}
	if err := m.meta.InsertAttachment(ctx, rec); err != nil {
		m.deleteBlob(ctx, rec.StoragePath, "compensate failed metadata insert")
		return Record{}, apperr.Wrap(apperr.CodeStoreUnavailable, where, "attachment metadata write failed", err)
	}
	return rec, nil
}

// Delete removes the metadata row and every reference to it, then the blob.
// A blob that cannot be removed is logged and left behind.
func (m *Manager) Delete(ctx context.Context, orgID, attachmentID string) error {
	rec, err := m.meta.GetAttachment(ctx, orgID, attachmentID)
	if errors.Is(err, ErrNotFound) {
		return apperr.New(apperr.CodeNotFound, where, "attachment not found")
	}
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable, where, "attachment lookup failed", err)
	}
	if err := m.meta.DeleteAttachment(ctx, orgID, attachmentID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.New(apperr.CodeNotFound, where, "attachment not found")
		}
		return apperr.Wrap(apperr.CodeStoreUnavailable, where, "attachment delete failed", err)
	}
	m.deleteBlob(ctx, rec.StoragePath, "delete attachment blob")
	return nil
}

// Discard is the compensating delete used by callers whose own follow-up
// write failed after Store succeeded.
func (m *Manager) Discard(ctx context.Context, rec Record) {
	if err := m.meta.DeleteAttachment(ctx, rec.OrgID, rec.AttachmentID); err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Error("discard attachment row",
			zap.String("attachment_id", rec.AttachmentID),
			zap.Error(err),
		)
	}
	m.deleteBlob(ctx, rec.StoragePath, "discard attachment blob")
}

// Swap attaches a freshly stored record to its owner and returns the id of
// the attachment it replaced, if any.
type Swap func(ctx context.Context, rec Record) (previousID string, err error)

// Supersede stores a replacement, swaps it in, and then deletes the
// previous attachment. A failed swap discards the replacement.
func (m *Manager) Supersede(ctx context.Context, in Input, swap Swap) (Record, error) {
	rec, err := m.Store(ctx, in)
	if err != nil {
		return Record{}, err
	}
	previous, err := swap(ctx, rec)
	if err != nil {
		m.Discard(ctx, rec)
		return Record{}, err
	}
	if previous != "" && previous != rec.AttachmentID {
		if err := m.Delete(ctx, in.OrgID, previous); err != nil && !apperr.HasCode(err, apperr.CodeNotFound) {
			m.logger.Warn("delete superseded attachment",
				zap.String("attachment_id", previous),
				zap.Error(err),
			)
		}
	}
	return rec, nil
}

// Open loads a record and its blob. A row whose blob is gone is corrupt;
// the row is removed and attachment_corrupt returned.
func (m *Manager) Open(ctx context.Context, orgID, attachmentID string) (Record, []byte, error) {
	rec, err := m.meta.GetAttachment(ctx, orgID, attachmentID)
	if errors.Is(err, ErrNotFound) {
		return Record{}, nil, apperr.New(apperr.CodeNotFound, where, "attachment not found")
	}
	if err != nil {
		return Record{}, nil, apperr.Wrap(apperr.CodeStoreUnavailable, where, "attachment lookup failed", err)
	}
	body, err := m.blobs.Get(ctx, rec.StoragePath)
	if errors.Is(err, objectstore.ErrNotFound) {
		m.logger.Warn("attachment blob missing, removing row", zap.String("attachment_id", rec.AttachmentID))
		if derr := m.meta.DeleteAttachment(ctx, orgID, attachmentID); derr != nil && !errors.Is(derr, ErrNotFound) {
			m.logger.Error("remove corrupt attachment row", zap.String("attachment_id", rec.AttachmentID), zap.Error(derr))
		}
		return Record{}, nil, apperr.New(apperr.CodeAttachmentCorrupt, where, "attachment content missing")
	}
	if err != nil {
		return Record{}, nil, apperr.Wrap(apperr.CodeObjectStoreUnavailable, where, "object store read failed", err)
	}
	if rec.Checksum != "" && Checksum(body) != rec.Checksum {
		m.logger.Error("attachment checksum mismatch", zap.String("attachment_id", rec.AttachmentID))
		return Record{}, nil, apperr.New(apperr.CodeAttachmentCorrupt, where, "attachment content does not match checksum")
	}
	return rec, body, nil
}

func (m *Manager) deleteBlob(ctx context.Context, key, op string) {
	if err := m.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		m.logger.Error(op, zap.String("storage_path", key), zap.Error(err))
	}
}

// Checksum is the hex BLAKE3-256 digest of the raw bytes.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}

func normalizeMIME(v string) string {
	v = strings.TrimSpace(v)
	if mt, _, err := mime.ParseMediaType(v); err == nil {
		return mt
	}
	return strings.ToLower(v)
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" {
		return "attachment"
	}
	if len(name) > 255 {
		name = name[:255]
	}
	return name
}
