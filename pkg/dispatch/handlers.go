package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"shiftflow/pkg/access"
	"shiftflow/pkg/apperr"
	"shiftflow/pkg/attachment"
	"shiftflow/pkg/flags"
	"shiftflow/pkg/repo"
	"shiftflow/pkg/statebus"
)

const handlerWhere = "handler"

func invalid(reason string) *apperr.Error {
	return apperr.New(apperr.CodeInvalidPayload, handlerWhere, reason)
}

// storeErr maps a repository failure to its envelope code.
func storeErr(err error, what string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.New(apperr.CodeNotFound, handlerWhere, what+" not found")
	}
	var tagged *apperr.Error
	if errors.As(err, &tagged) {
		return err
	}
	return apperr.Wrap(apperr.CodeStoreUnavailable, handlerWhere, what+" store unavailable", err)
}

func requireUUID(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", invalid(field + " is required")
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return "", invalid(field + " must be a UUID")
	}
	return id.String(), nil
}

func optionalUUID(field, v string) (string, error) {
	if strings.TrimSpace(v) == "" {
		return "", nil
	}
	return requireUUID(field, v)
}

func queryLimit(c *call) (int, error) {
	raw := strings.TrimSpace(c.r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, invalid("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) whoami(_ context.Context, c *call) (int, map[string]any, error) {
	return http.StatusOK, map[string]any{
		"ok": true,
		"user": map[string]any{
			"subject":     c.claims.Sub,
			"email":       c.access.Email,
			"displayName": c.access.DisplayName,
			"picture":     c.claims.Picture,
		},
		"access": c.access,
	}, nil
}

func (s *Server) listTasks(ctx context.Context, c *call) (int, map[string]any, error) {
	limit, err := queryLimit(c)
	if err != nil {
		return 0, nil, err
	}
	items, err := s.Store.ListTasks(ctx, c.access.OrgID, limit)
	if err != nil {
		return 0, nil, storeErr(err, "task")
	}
	return http.StatusOK, map[string]any{"ok": true, "items": items}, nil
}

type createTaskRequest struct {
	Title                string `json:"title"`
	Details              string `json:"details"`
	AssigneeMembershipID string `json:"assigneeMembershipId"`
}

func (s *Server) createTask(ctx context.Context, c *call) (int, map[string]any, error) {
	var req createTaskRequest
	if err := c.decode(&req); err != nil {
		return 0, nil, err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return 0, nil, invalid("title is required")
	}
	assignee, err := optionalUUID("assigneeMembershipId", req.AssigneeMembershipID)
	if err != nil {
		return 0, nil, err
	}
	task, err := s.Store.CreateTask(ctx, repo.Task{
		OrgID:                c.access.OrgID,
		Title:                title,
		Details:              req.Details,
		AssigneeMembershipID: assignee,
		CreatedBy:            c.access.MembershipID,
	})
	if err != nil {
		return 0, nil, storeErr(err, "task")
	}
	return http.StatusCreated, map[string]any{"ok": true, "task": task}, nil
}

type updateTaskRequest struct {
	TaskID               string  `json:"taskId"`
	Title                *string `json:"title"`
	Details              *string `json:"details"`
	Status               *string `json:"status"`
	AssigneeMembershipID *string `json:"assigneeMembershipId"`
}

func (s *Server) updateTask(ctx context.Context, c *call) (int, map[string]any, error) {
	var req updateTaskRequest
	if err := c.decode(&req); err != nil {
		return 0, nil, err
	}
	taskID, err := requireUUID("taskId", req.TaskID)
	if err != nil {
		return 0, nil, err
	}
	patch := repo.TaskPatch{Details: req.Details}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return 0, nil, invalid("title must not be empty")
		}
		patch.Title = &title
	}
	if req.Status != nil {
		status := strings.ToLower(strings.TrimSpace(*req.Status))
		if !repo.ValidTaskStatus(status) {
			return 0, nil, invalid("status must be open, in_progress or done")
		}
		patch.Status = &status
	}
	if req.AssigneeMembershipID != nil {
		assignee, err := optionalUUID("assigneeMembershipId", *req.AssigneeMembershipID)
		if err != nil {
			return 0, nil, err
		}
		patch.Assignee = &assignee
	}
	if patch.Title == nil && patch.Details == nil && patch.Status == nil && patch.Assignee == nil {
		return 0, nil, invalid("nothing to update")
	}
	task, err := s.Store.UpdateTask(ctx, c.access.OrgID, taskID, patch)
	if err != nil {
		return 0, nil, storeErr(err, "task")
	}
	return http.StatusOK, map[string]any{"ok": true, "task": task}, nil
}

func (s *Server) listMessages(ctx context.Context, c *call) (int, map[string]any, error) {
	limit, err := queryLimit(c)
	if err != nil {
		return 0, nil, err
	}
	taskID, err := optionalUUID("taskId", c.r.URL.Query().Get("taskId"))
	if err != nil {
		return 0, nil, err
	}
	items, err := s.Store.ListMessages(ctx, c.access.OrgID, taskID, limit)
	if err != nil {
		return 0, nil, storeErr(err, "message")
	}
	return http.StatusOK, map[string]any{"ok": true, "items": items}, nil
}

// attachmentPayload is an upload carried inline as base64 or a data URL.
type attachmentPayload struct {
	FileName string `json:"fileName"`
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

func (s *Server) attachmentInput(ctx context.Context, c *call, p attachmentPayload) (attachment.Input, error) {
	if !s.flagEnabled(ctx, flags.Attachments) || s.Attachments == nil {
		return attachment.Input{}, apperr.New(apperr.CodeRouteUnimplemented, "attachment", "attachments are disabled")
	}
	limit := s.Attachments.MaxBytes()
	data, err := s.Attachments.Decode(p.Data, p.MIMEType, limit)
	if err != nil {
		return attachment.Input{}, err
	}
	return attachment.Input{
		Data:      data,
		MIMEType:  p.MIMEType,
		FileName:  p.FileName,
		SizeLimit: limit,
		OrgID:     c.access.OrgID,
		CreatedBy: c.access.MembershipID,
		Extra:     map[string]any{"requestId": c.requestID},
	}, nil
}

type postMessageRequest struct {
	TaskID     string             `json:"taskId"`
	Body       string             `json:"body"`
	Attachment *attachmentPayload `json:"attachment"`
}

// postMessage stores the attachment first and discards it again when the
// message row cannot be written.
func (s *Server) postMessage(ctx context.Context, c *call) (int, map[string]any, error) {
	var req postMessageRequest
	if err := c.decode(&req); err != nil {
		return 0, nil, err
	}
	taskID, err := optionalUUID("taskId", req.TaskID)
	if err != nil {
		return 0, nil, err
	}
	body := strings.TrimSpace(req.Body)
	if body == "" && req.Attachment == nil {
		return 0, nil, invalid("body or attachment is required")
	}
	msg := repo.Message{
		OrgID:              c.access.OrgID,
		TaskID:             taskID,
		AuthorMembershipID: c.access.MembershipID,
		Body:               body,
	}
	var rec *attachment.Record
	if req.Attachment != nil {
		in, err := s.attachmentInput(ctx, c, *req.Attachment)
		if err != nil {
			return 0, nil, err
		}
		stored, err := s.Attachments.Store(ctx, in)
		if err != nil {
			return 0, nil, err
		}
		rec = &stored
		msg.AttachmentID = stored.AttachmentID
	}
	saved, err := s.Store.InsertMessage(ctx, msg)
	if err != nil {
		if rec != nil {
			s.Attachments.Discard(ctx, *rec)
		}
		return 0, nil, storeErr(err, "message")
	}
	out := map[string]any{"ok": true, "message": saved}
	if rec != nil {
		out["attachment"] = rec
	}
	return http.StatusCreated, out, nil
}

type replaceAttachmentRequest struct {
	MessageID  string            `json:"messageId"`
	Attachment attachmentPayload `json:"attachment"`
}

func (s *Server) replaceAttachment(ctx context.Context, c *call) (int, map[string]any, error) {
	var req replaceAttachmentRequest
	if err := c.decode(&req); err != nil {
		return 0, nil, err
	}
	messageID, err := requireUUID("messageId", req.MessageID)
	if err != nil {
		return 0, nil, err
	}
	in, err := s.attachmentInput(ctx, c, req.Attachment)
	if err != nil {
		return 0, nil, err
	}
	rec, err := s.Attachments.Supersede(ctx, in, func(ctx context.Context, rec attachment.Record) (string, error) {
		prev, err := s.Store.SetMessageAttachment(ctx, c.access.OrgID, messageID, rec.AttachmentID)
		if err != nil {
			return "", storeErr(err, "message")
		}
		return prev, nil
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"ok": true, "messageId": messageID, "attachment": rec}, nil
}

type deleteAttachmentRequest struct {
	AttachmentID string `json:"attachmentId"`
}

func (s *Server) deleteAttachment(ctx context.Context, c *call) (int, map[string]any, error) {
	var req deleteAttachmentRequest
	if err := c.decode(&req); err != nil {
		return 0, nil, err
	}
	id, err := requireUUID("attachmentId", req.AttachmentID)
	if err != nil {
		return 0, nil, err
	}
	if !s.flagEnabled(ctx, flags.Attachments) || s.Attachments == nil {
		return 0, nil, apperr.New(apperr.CodeRouteUnimplemented, "attachment", "attachments are disabled")
	}
	if err := s.Attachments.Delete(ctx, c.access.OrgID, id); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"ok": true, "attachmentId": id, "deleted": true}, nil
}

func (s *Server) getAttachment(ctx context.Context, c *call) (int, map[string]any, error) {
	id, err := requireUUID("id", c.r.URL.Query().Get("id"))
	if err != nil {
		return 0, nil, err
	}
	if !s.flagEnabled(ctx, flags.Attachments) || s.Attachments == nil {
		return 0, nil, apperr.New(apperr.CodeRouteUnimplemented, "attachment", "attachments are disabled")
	}
	rec, data, err := s.Attachments.Open(ctx, c.access.OrgID, id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{
		"ok":         true,
		"attachment": rec,
		"data":       base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (s *Server) listMembers(ctx context.Context, c *call) (int, map[string]any, error) {
	items, err := s.Store.ListMembers(ctx, c.access.OrgID)
	if err != nil {
		return 0, nil, storeErr(err, "member")
	}
	return http.StatusOK, map[string]any{"ok": true, "items": items}, nil
}

type updateMemberStatusRequest struct {
	MembershipID string `json:"membershipId"`
	Status       string `json:"status"`
}

// updateMemberStatus purges the access cache so the change applies to the
// affected member on their next call.
func (s *Server) updateMemberStatus(ctx context.Context, c *call) (int, map[string]any, error) {
	var req updateMemberStatusRequest
	if err := c.decode(&req); err != nil {
		return 0, nil, err
	}
	membershipID, err := requireUUID("membershipId", req.MembershipID)
	if err != nil {
		return 0, nil, err
	}
	status, ok := access.ParseStatus(req.Status)
	if !ok {
		return 0, nil, invalid("status must be active, pending, suspended or revoked")
	}
	if membershipID == c.access.MembershipID && status != access.StatusActive {
		return 0, nil, invalid("you cannot deactivate your own membership")
	}
	target, err := s.Store.GetMember(ctx, c.access.OrgID, membershipID)
	if err != nil {
		return 0, nil, storeErr(err, "member")
	}
	if access.ParseRole(target.Role).Rank() > c.access.Role.Rank() {
		return 0, nil, apperr.New(apperr.CodeRoleForbidden, handlerWhere, "membership outranks the caller").
			With("role", string(access.ParseRole(target.Role)))
	}
	member, err := s.Store.UpdateMemberStatus(ctx, c.access.OrgID, membershipID, string(status))
	if err != nil {
		return 0, nil, storeErr(err, "member")
	}
	s.Access.Purge()
	s.announce(ctx, statebus.Event{
		Kind:         statebus.KindMembershipChanged,
		OrgID:        c.access.OrgID,
		MembershipID: membershipID,
		Status:       string(status),
	})
	return http.StatusOK, map[string]any{"ok": true, "member": member}, nil
}

// announce tells the other replicas to drop their access caches.
func (s *Server) announce(ctx context.Context, ev statebus.Event) {
	if s.Bus == nil {
		return
	}
	ev.Origin = s.InstanceID
	ev.At = s.clock().Now().UTC()
	s.spawn(ctx, "statebus_publish", func(ctx context.Context) error {
		return s.Bus.Publish(ctx, ev)
	})
}

func (s *Server) getFlags(ctx context.Context, _ *call) (int, map[string]any, error) {
	return http.StatusOK, map[string]any{"ok": true, "flags": s.Flags.All(ctx)}, nil
}

type setFlagsRequest struct {
	Flags map[string]bool `json:"flags"`
}

// setFlags ignores unrecognized flag names.
func (s *Server) setFlags(ctx context.Context, c *call) (int, map[string]any, error) {
	var req setFlagsRequest
	if err := c.decode(&req); err != nil {
		return 0, nil, err
	}
	if req.Flags == nil {
		return 0, nil, invalid("flags is required")
	}
	effective, err := s.Flags.Update(ctx, req.Flags)
	if err != nil {
		return 0, nil, apperr.Wrap(apperr.CodeStoreUnavailable, handlerWhere, "flag store unavailable", err)
	}
	return http.StatusOK, map[string]any{"ok": true, "flags": effective}, nil
}
