package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"shiftflow/pkg/attachment"
)

const attachmentColumns = `id::text, org_id::text, file_name, mime_type, size_bytes, storage_path, checksum,
	created_at_ms, COALESCE(created_by::text, ''), extra`

func (r *Repo) InsertAttachment(ctx context.Context, rec attachment.Record) error {
	extra, err := json.Marshal(extraOrEmpty(rec.Extra))
	if err != nil {
		return fmt.Errorf("encode attachment extra: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO attachments(id, org_id, file_name, mime_type, size_bytes, storage_path, checksum, created_at_ms, created_by, extra)
		VALUES($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, NULLIF($9, '')::uuid, $10::jsonb)`,
		rec.AttachmentID, rec.OrgID, rec.FileName, rec.MIMEType, rec.SizeBytes, rec.StoragePath,
		rec.Checksum, rec.CreatedAtMs, rec.CreatedByMembershipID, extra)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (r *Repo) GetAttachment(ctx context.Context, orgID, attachmentID string) (attachment.Record, error) {
	var (
		rec   attachment.Record
		extra []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT `+attachmentColumns+`
		FROM attachments WHERE id=$2::uuid AND org_id=$1::uuid`, orgID, attachmentID).Scan(
		&rec.AttachmentID, &rec.OrgID, &rec.FileName, &rec.MIMEType, &rec.SizeBytes, &rec.StoragePath,
		&rec.Checksum, &rec.CreatedAtMs, &rec.CreatedByMembershipID, &extra,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return attachment.Record{}, attachment.ErrNotFound
	}
	if err != nil {
		return attachment.Record{}, fmt.Errorf("get attachment: %w", err)
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &rec.Extra); err != nil {
			return attachment.Record{}, fmt.Errorf("decode attachment extra: %w", err)
		}
		if len(rec.Extra) == 0 {
			rec.Extra = nil
		}
	}
	return rec, nil
}

// DeleteAttachment detaches every message referencing the attachment and
// removes its row in one transaction.
func (r *Repo) DeleteAttachment(ctx context.Context, orgID, attachmentID string) error {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE messages SET attachment_id=NULL WHERE attachment_id=$2::uuid AND org_id=$1::uuid`,
			orgID, attachmentID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM attachments WHERE id=$2::uuid AND org_id=$1::uuid`,
			orgID, attachmentID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return attachment.ErrNotFound
		}
		return nil
	})
	if errors.Is(err, attachment.ErrNotFound) {
		return attachment.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

func extraOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
